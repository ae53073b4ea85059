//go:build integration

package natsbus

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/roomsync"
)

// These tests need a JetStream-enabled server, e.g.
//
//	nats-server -js
//	NATS_URL=nats://127.0.0.1:4222 go test -tags integration ./natsbus

func connectTestBus(t *testing.T) *Bus {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := Connect(ctx, &Config{
		URL:         url,
		Name:        "roomsync-test",
		Stream:      "ROOMSYNC_TEST",
		Bucket:      "roomsync_presence_test",
		Prefix:      "roomsync-test",
		PresenceTTL: 30 * time.Second,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

type presenceLog struct {
	mu      sync.Mutex
	synced  []string
	joins   []string
	leaves  []string
	signals []string
}

func (p *presenceLog) OnSync(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = ids
}

func (p *presenceLog) OnJoin(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins = append(p.joins, id)
}

func (p *presenceLog) OnLeave(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves = append(p.leaves, id)
}

func (p *presenceLog) OnBroadcast(event string, _ json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, event)
}

func (p *presenceLog) OnDrop(error) {}

func (p *presenceLog) snapshot() (synced, joins, leaves, signals []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced, p.joins, p.leaves, p.signals
}

func TestIntegration_FeedReplaysLookback(t *testing.T) {
	b := connectTestBus(t)
	ctx := context.Background()
	conv := uuid.NewString()

	// Published before the subscription exists; the lookback replays it.
	m := &roomsync.Message{ID: "m1", ConversationID: conv, SenderID: "alice", Content: "early", CreatedAt: time.Now().UTC()}
	require.NoError(t, b.PublishChange(ctx, conv, roomsync.EventMessageInsert, m))
	// A retried insert is stored once.
	require.NoError(t, b.PublishChange(ctx, conv, roomsync.EventMessageInsert, m))

	var mu sync.Mutex
	var got []string
	sub, err := b.Feed().Subscribe(ctx, conv, roomsync.FeedFuncs{
		Insert: func(m roomsync.Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "insert:"+m.ID)
		},
		Delete: func(id string) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, "delete:"+id)
		},
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishChange(ctx, conv, roomsync.EventMessageDelete, roomsync.DeletePayload{ConversationID: conv, ID: "m1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"insert:m1", "delete:m1"}, got)
	mu.Unlock()
}

func TestIntegration_PresenceAndBroadcast(t *testing.T) {
	b := connectTestBus(t)
	ctx := context.Background()
	conv := uuid.NewString()
	presence := b.Presence()

	alice := &presenceLog{}
	aliceSub, err := presence.Join(ctx, conv, roomsync.Participant{ID: "alice"}, alice)
	require.NoError(t, err)
	defer aliceSub.Unsubscribe()

	require.Eventually(t, func() bool {
		synced, joins, _, _ := alice.snapshot()
		return len(synced)+len(joins) > 0
	}, 5*time.Second, 20*time.Millisecond)

	bob := &presenceLog{}
	bobSub, err := presence.Join(ctx, conv, roomsync.Participant{ID: "bob"}, bob)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		synced, _, _, _ := bob.snapshot()
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, synced)
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, joins, _, _ := alice.snapshot()
		for _, id := range joins {
			if id == "bob" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, bobSub.Broadcast(ctx, roomsync.EventTyping, roomsync.TypingSignal{ParticipantID: "bob", Typing: true}))
	require.Eventually(t, func() bool {
		_, _, _, signals := alice.snapshot()
		return len(signals) == 1
	}, 5*time.Second, 20*time.Millisecond)
	_, _, _, own := bob.snapshot()
	assert.Empty(t, own, "a broadcast is not echoed to its sender")

	require.NoError(t, bobSub.Unsubscribe())
	require.Eventually(t, func() bool {
		_, _, leaves, _ := alice.snapshot()
		return len(leaves) == 1 && leaves[0] == "bob"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIntegration_SessionOverBus(t *testing.T) {
	b := connectTestBus(t)
	ctx := context.Background()
	hub := roomsync.NewMemoryHub()
	conv, err := hub.CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "bus"})
	require.NoError(t, err)

	s, err := roomsync.NewSession(roomsync.SessionConfig{
		Self:     roomsync.Participant{ID: "alice"},
		Store:    hub,
		Feed:     b.Feed(),
		Presence: b.Presence(),
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SelectConversation(ctx, conv.ID))

	// Another writer's insert reaches the session through the stream.
	m, err := hub.Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "bob", Content: "over nats"})
	require.NoError(t, err)
	require.NoError(t, b.PublishChange(ctx, conv.ID, roomsync.EventMessageInsert, m))

	require.Eventually(t, func() bool {
		for _, got := range s.Messages() {
			if got.ID == m.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Len(t, s.Messages(), 1)
	require.Eventually(t, func() bool { return s.IsOnline("alice") }, 5*time.Second, 20*time.Millisecond)
}
