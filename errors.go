package roomsync

import (
	"errors"
	"fmt"
)

var (
	// ErrStale is returned when a result belongs to a conversation that is no
	// longer active. The result has been discarded.
	ErrStale = errors.New("roomsync: conversation no longer active")
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("roomsync: message is empty")
	// ErrNoConversation is returned when no conversation is active.
	ErrNoConversation = errors.New("roomsync: no active conversation")
	// ErrNotConnected is returned by realtime operations before Connect.
	ErrNotConnected = errors.New("roomsync: not connected")
)

// FetchError reports a failed initial load. The message list is left empty.
type FetchError struct {
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch conversation %s: %v", e.ConversationID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports a rejected insert. Text is the content the user typed,
// returned so it can be restored to the input.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SubscriptionError reports a change feed or presence channel that failed to
// establish, or dropped after it was established.
type SubscriptionError struct {
	Op             string // "feed" or "presence"
	ConversationID string
	Err            error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s subscription for %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
