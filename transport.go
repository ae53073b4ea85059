package roomsync

import (
	"context"
	"encoding/json"
)

// MessageStore is the durable message log.
type MessageStore interface {
	// Query returns the conversation history ordered by CreatedAt ascending.
	Query(ctx context.Context, conversationID string) ([]Message, error)
	// Insert stores a draft and returns the authoritative message.
	Insert(ctx context.Context, draft Draft) (*Message, error)
}

// Directory resolves the conversations a participant belongs to.
type Directory interface {
	ListConversations(ctx context.Context, participantID string) ([]Conversation, error)
}

// Subscription is a live registration with a transport.
type Subscription interface {
	// Unsubscribe stops delivery. Calling it more than once is a no-op.
	Unsubscribe() error
}

// FeedHandler receives change events for one conversation, in feed order.
type FeedHandler interface {
	OnInsert(Message)
	OnUpdate(Message)
	OnDelete(id string)
	// OnDrop is called at most once if the subscription is lost.
	OnDrop(err error)
}

// ChangeFeed delivers insert/update/delete events per conversation.
type ChangeFeed interface {
	Subscribe(ctx context.Context, conversationID string, h FeedHandler) (Subscription, error)
}

// PresenceHandler receives presence and broadcast events for one conversation.
type PresenceHandler interface {
	// OnSync delivers the full set of present participants.
	OnSync(participantIDs []string)
	OnJoin(participantID string)
	OnLeave(participantID string)
	OnBroadcast(event string, payload json.RawMessage)
	OnDrop(err error)
}

// PresenceSubscription is a joined presence channel.
type PresenceSubscription interface {
	Subscription
	Broadcast(ctx context.Context, event string, payload any) error
}

// PresenceChannel is the per-conversation ephemeral pub/sub with presence.
type PresenceChannel interface {
	Join(ctx context.Context, conversationID string, self Participant, h PresenceHandler) (PresenceSubscription, error)
}

// FeedFuncs adapts plain functions to FeedHandler. Nil fields are skipped.
type FeedFuncs struct {
	Insert func(Message)
	Update func(Message)
	Delete func(id string)
	Drop   func(err error)
}

func (f FeedFuncs) OnInsert(m Message) {
	if f.Insert != nil {
		f.Insert(m)
	}
}

func (f FeedFuncs) OnUpdate(m Message) {
	if f.Update != nil {
		f.Update(m)
	}
}

func (f FeedFuncs) OnDelete(id string) {
	if f.Delete != nil {
		f.Delete(id)
	}
}

func (f FeedFuncs) OnDrop(err error) {
	if f.Drop != nil {
		f.Drop(err)
	}
}
