package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Prismer-AI/roomsync"
)

// Feed reads change events from the bus stream. It implements
// roomsync.ChangeFeed.
type Feed struct {
	bus *Bus
}

type feedSub struct {
	cc     jetstream.ConsumeContext
	h      roomsync.FeedHandler
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// Subscribe opens an ordered consumer on the conversation's subject, starting
// Lookback before now. Replayed events that the local view already holds are
// absorbed by the engine's de-duplication.
func (f *Feed) Subscribe(ctx context.Context, conversationID string, h roomsync.FeedHandler) (roomsync.Subscription, error) {
	b := f.bus
	subject, err := b.subject("changes", conversationID)
	if err != nil {
		return nil, err
	}
	start := time.Now().Add(-b.cfg.Lookback)
	cons, err := b.js.OrderedConsumer(ctx, b.cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverByStartTimePolicy,
		OptStartTime:   &start,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %q: %w", subject, err)
	}

	sub := &feedSub{h: h}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		sub.deliver(b.log, msg.Data())
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if terminal(err) {
			sub.drop(err)
			return
		}
		b.log.Debug("feed_consume_error", slog.String("subject", subject), slog.Any("error", err))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume %q: %w", subject, err)
	}
	sub.cc = cc
	b.log.Debug("feed_subscribed", slog.String("subject", subject))
	return sub, nil
}

func (s *feedSub) deliver(log *slog.Logger, data []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	var env roomsync.RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug("bad_change_event", slog.Any("error", err))
		return
	}
	switch env.Type {
	case roomsync.EventMessageInsert, roomsync.EventMessageUpdate:
		var m roomsync.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			log.Debug("bad_change_event", slog.String("type", env.Type), slog.Any("error", err))
			return
		}
		if env.Type == roomsync.EventMessageInsert {
			s.h.OnInsert(m)
		} else {
			s.h.OnUpdate(m)
		}
	case roomsync.EventMessageDelete:
		var p roomsync.DeletePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.h.OnDelete(p.ID)
	}
}

func (s *feedSub) drop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.cc != nil {
			s.cc.Stop()
		}
		s.h.OnDrop(err)
	})
}

func (s *feedSub) Unsubscribe() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cc.Stop()
	})
	return nil
}

// terminal reports whether a consume error ends the subscription.
func terminal(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, jetstream.ErrConsumerDeleted) ||
		errors.Is(err, jetstream.ErrConsumerNotFound)
}
