package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Prismer-AI/roomsync"
)

const broadcastBuffer = 64

// Presence tracks room membership in the bus bucket and relays broadcasts
// over core NATS. It implements roomsync.PresenceChannel.
//
// Each participant holds one key per conversation, so two sessions of the
// same participant in one room share a presence entry.
type Presence struct {
	bus *Bus
}

type presenceSub struct {
	bus     *Bus
	conv    string
	self    roomsync.Participant
	key     string
	subject string
	h       roomsync.PresenceHandler

	watcher jetstream.KeyWatcher
	bsub    *nats.Subscription
	msgs    chan *nats.Msg
	cancel  context.CancelFunc
	done    chan struct{}

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

// Join writes the participant's presence entry, watches the conversation's
// entries and listens for broadcasts. The handler is called from a single
// goroutine: OnSync once the current entries are known, then OnJoin, OnLeave
// and OnBroadcast in arrival order.
func (p *Presence) Join(ctx context.Context, conversationID string, self roomsync.Participant, h roomsync.PresenceHandler) (roomsync.PresenceSubscription, error) {
	b := p.bus
	subject, err := b.subject("broadcast", conversationID)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(self)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s := &presenceSub{
		bus:     b,
		conv:    conversationID,
		self:    self,
		key:     presenceKey(conversationID, self.ID),
		subject: subject,
		h:       h,
		msgs:    make(chan *nats.Msg, broadcastBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.watcher, err = b.kv.Watch(watchCtx, presencePrefix(conversationID)+".*")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch presence of %s: %w", conversationID, err)
	}
	if s.bsub, err = b.nc.ChanSubscribe(subject, s.msgs); err != nil {
		s.release()
		return nil, fmt.Errorf("failed to subscribe %q: %w", subject, err)
	}
	if _, err := b.kv.Put(ctx, s.key, value); err != nil {
		s.release()
		return nil, fmt.Errorf("failed to announce presence in %s: %w", conversationID, err)
	}

	go s.run(watchCtx, value)
	return s, nil
}

func (s *presenceSub) run(ctx context.Context, value []byte) {
	defer close(s.done)

	refresh := time.NewTicker(s.bus.cfg.PresenceTTL / 3)
	defer refresh.Stop()

	present := make(map[string]struct{})
	synced := false
	for {
		select {
		case <-ctx.Done():
			return

		case entry, ok := <-s.watcher.Updates():
			if !ok {
				s.fail(roomsync.ErrNotConnected)
				return
			}
			if entry == nil {
				// End of the initial values.
				synced = true
				s.h.OnSync(sortedKeys(present))
				continue
			}
			id, ok := participantFromKey(entry.Key())
			if !ok {
				continue
			}
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				if _, seen := present[id]; seen {
					continue
				}
				present[id] = struct{}{}
				if synced {
					s.h.OnJoin(id)
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				if _, seen := present[id]; !seen {
					continue
				}
				delete(present, id)
				if synced {
					s.h.OnLeave(id)
				}
			}

		case msg := <-s.msgs:
			var p roomsync.BroadcastPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil || p.Event == "" {
				continue
			}
			if p.From == s.self.ID {
				continue
			}
			s.h.OnBroadcast(p.Event, p.Payload)

		case <-refresh.C:
			putCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := s.bus.kv.Put(putCtx, s.key, value)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.bus.log.Warn("presence_refresh_failed", slog.String("conversation", s.conv), slog.Any("error", err))
				if errors.Is(err, nats.ErrConnectionClosed) {
					s.fail(err)
					return
				}
			}
		}
	}
}

// Broadcast sends an ephemeral event to the other members of the room.
func (s *presenceSub) Broadcast(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || s.bus.nc.IsClosed() {
		return roomsync.ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	data, err := json.Marshal(roomsync.BroadcastPayload{
		ConversationID: s.conv,
		Event:          event,
		From:           s.self.ID,
		Payload:        raw,
	})
	if err != nil {
		return err
	}
	return s.bus.nc.Publish(s.subject, data)
}

// Unsubscribe stops listening and removes the presence entry. No handler
// call starts after it returns, so it must not be called from a handler.
func (s *presenceSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.release()
		<-s.done
		if s.bus.nc.IsClosed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if derr := s.bus.kv.Delete(ctx, s.key); derr != nil && !errors.Is(derr, jetstream.ErrKeyNotFound) {
			err = fmt.Errorf("failed to remove presence in %s: %w", s.conv, derr)
		}
	})
	return err
}

// fail ends the subscription from the run goroutine and reports err unless
// Unsubscribe got there first.
func (s *presenceSub) fail(err error) {
	if s.release() {
		s.h.OnDrop(err)
	}
}

// release stops the watcher and the broadcast subscription. It reports
// whether this call did the stopping.
func (s *presenceSub) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	s.cancel()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.bsub != nil {
		_ = s.bsub.Unsubscribe()
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
