package roomsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the relay API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageState tags a message in the local view.
type MessageState string

const (
	// MessagePending marks an optimistic send the store has not acknowledged yet.
	MessagePending MessageState = "pending"
	// MessageConfirmed marks a message the store holds.
	MessageConfirmed MessageState = "confirmed"
)

// Message is a single chat message.
//
// ClientID carries the locally generated id of the optimistic send that
// produced the message, so the change-feed echo can be paired with it.
type Message struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	State          MessageState `json:"state,omitempty"`
}

// Pending reports whether the store has not acknowledged the message yet.
func (m Message) Pending() bool {
	return m.State == MessagePending
}

// Draft is the insert request handed to a MessageStore.
type Draft struct {
	ClientID       string `json:"clientId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}

// ============================================================================
// Conversations & Participants
// ============================================================================

// Conversation is a chat room with a fixed set of members.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Members   []string  `json:"members,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Participant describes the local user when joining a presence channel.
type Participant struct {
	ID          string `json:"participantId"`
	DisplayName string `json:"displayName,omitempty"`
}

// TypingSignal is the payload of the "typing" broadcast.
type TypingSignal struct {
	ParticipantID string `json:"participantId"`
	Typing        bool   `json:"isTyping"`
}

// EventTyping is the broadcast event name carrying TypingSignal payloads.
const EventTyping = "typing"

// ============================================================================
// Request Types
// ============================================================================

// CreateConversationOptions configures a new conversation.
type CreateConversationOptions struct {
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

// EditMessageOptions carries the new content for a message.
type EditMessageOptions struct {
	Content string `json:"content"`
}

// HealthData is returned by the health endpoint.
type HealthData struct {
	Status        string `json:"status"`
	Conversations int    `json:"conversations"`
	Connections   int    `json:"connections"`
}
