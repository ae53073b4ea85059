package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/roomsync"
)

const hookSecret = "relay-hook-secret"

func newHookReceiver(t *testing.T) (*httptest.Server, <-chan *roomsync.WebhookPayload) {
	t.Helper()
	got := make(chan *roomsync.WebhookPayload, 16)
	rcv, err := roomsync.NewWebhookReceiver(hookSecret, func(p *roomsync.WebhookPayload) error {
		got <- p
		return nil
	})
	require.NoError(t, err)
	ts := httptest.NewServer(rcv)
	t.Cleanup(ts.Close)
	return ts, got
}

func newTestWebhook(t *testing.T, url string, mutate ...func(*WebhookConfig)) *Webhook {
	t.Helper()
	cfg := &WebhookConfig{
		URL:        url,
		Secret:     hookSecret,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(cfg)
	}
	hook, err := NewWebhook(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { hook.Close(context.Background()) })
	return hook
}

func nextPayload(t *testing.T, ch <-chan *roomsync.WebhookPayload) *roomsync.WebhookPayload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(eventually):
		t.Fatal("no webhook delivered")
		return nil
	}
}

func TestNewWebhookValidates(t *testing.T) {
	_, err := NewWebhook(&WebhookConfig{Secret: "s"})
	assert.Error(t, err)
	_, err = NewWebhook(&WebhookConfig{URL: "http://localhost"})
	assert.Error(t, err)
}

func TestWebhookDeliversChanges(t *testing.T) {
	ts, got := newHookReceiver(t)
	hook := newTestWebhook(t, ts.URL)
	r := newTestRelay(t, func(c *Config) { c.Publishers = []Publisher{hook} })
	ctx := context.Background()

	alice := r.client("alice")
	conv, err := alice.CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "general"})
	require.NoError(t, err)

	m, err := alice.Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	_, err = alice.EditMessage(ctx, conv.ID, m.ID, roomsync.EditMessageOptions{Content: "hello!"})
	require.NoError(t, err)
	require.NoError(t, alice.DeleteMessage(ctx, conv.ID, m.ID))

	p := nextPayload(t, got)
	assert.Equal(t, roomsync.EventMessageInsert, p.Event)
	assert.Equal(t, conv.ID, p.ConversationID)
	inserted, err := p.Message()
	require.NoError(t, err)
	assert.Equal(t, "hello", inserted.Content)

	p = nextPayload(t, got)
	assert.Equal(t, roomsync.EventMessageUpdate, p.Event)
	edited, err := p.Message()
	require.NoError(t, err)
	assert.Equal(t, "hello!", edited.Content)

	p = nextPayload(t, got)
	assert.Equal(t, roomsync.EventMessageDelete, p.Event)
	deleted, err := p.Deleted()
	require.NoError(t, err)
	assert.Equal(t, m.ID, deleted.ID)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !roomsync.VerifyWebhookSignature(body, r.Header.Get(roomsync.WebhookSignatureHeader), hookSecret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hook := newTestWebhook(t, ts.URL)
	require.NoError(t, hook.PublishChange(context.Background(), "c1", roomsync.EventMessageInsert, roomsync.Message{ID: "m1"}))

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, hook.Close(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	hook := newTestWebhook(t, ts.URL)
	require.NoError(t, hook.PublishChange(context.Background(), "c1", roomsync.EventMessageInsert, roomsync.Message{ID: "m1"}))
	require.NoError(t, hook.PublishChange(context.Background(), "c1", roomsync.EventMessageInsert, roomsync.Message{ID: "m2"}))

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, hook.Close(ctx))
	assert.Equal(t, int32(2), calls.Load())

	assert.Error(t, hook.PublishChange(context.Background(), "c1", roomsync.EventMessageInsert, roomsync.Message{ID: "m3"}))
}

func TestWebhookQueueFull(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	hook := newTestWebhook(t, ts.URL, func(c *WebhookConfig) { c.QueueSize = 1 })
	publish := func(id string) error {
		return hook.PublishChange(context.Background(), "c1", roomsync.EventMessageInsert, roomsync.Message{ID: id})
	}

	// The first event is picked up by the worker, the second fills the queue.
	require.NoError(t, publish("m1"))
	require.Eventually(t, func() bool { return publish("m2") == nil }, eventually, 5*time.Millisecond)
	assert.ErrorIs(t, publish("m3"), ErrWebhookQueueFull)
}
