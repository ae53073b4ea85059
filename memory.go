package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MemoryHub
// ============================================================================

// MemoryHub is a goroutine-safe in-process backend. It implements
// MessageStore, Directory, ChangeFeed and PresenceChannel, and fans events
// out synchronously to every subscriber in the order they were applied.
//
// It backs tests and demos.
type MemoryHub struct {
	now func() time.Time

	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]Message // conversationID -> ascending CreatedAt
	feeds         map[string]map[*memoryFeedSub]struct{}
	rooms         map[string]map[*memoryPresenceSub]struct{}
	queryErr      error
	insertErr     error
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		feeds:         make(map[string]map[*memoryFeedSub]struct{}),
		rooms:         make(map[string]map[*memoryPresenceSub]struct{}),
	}
}

// SetClock overrides the timestamp source for stored messages.
func (h *MemoryHub) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// FailNextQuery makes the next Query return err.
func (h *MemoryHub) FailNextQuery(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queryErr = err
}

// FailNextInsert makes the next Insert return err.
func (h *MemoryHub) FailNextInsert(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertErr = err
}

// ── Directory ────────────────────────────────────────────

// CreateConversation registers a conversation and returns it.
func (h *MemoryHub) CreateConversation(_ context.Context, opts CreateConversationOptions) (*Conversation, error) {
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     opts.Title,
		Members:   append([]string(nil), opts.Members...),
		CreatedAt: h.clock(),
	}
	h.PutConversation(*c)
	return c, nil
}

// PutConversation registers c under its own id, replacing any previous entry.
func (h *MemoryHub) PutConversation(c Conversation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cc := c
	cc.Members = append([]string(nil), c.Members...)
	h.conversations[c.ID] = &cc
}

func (h *MemoryHub) ListConversations(_ context.Context, participantID string) ([]Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Conversation
	for _, c := range h.conversations {
		if len(c.Members) > 0 && !contains(c.Members, participantID) {
			continue
		}
		cc := *c
		cc.Members = append([]string(nil), c.Members...)
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ── Messages ─────────────────────────────────────────────

func (h *MemoryHub) Query(_ context.Context, conversationID string) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.queryErr; err != nil {
		h.queryErr = nil
		return nil, err
	}
	return append([]Message(nil), h.messages[conversationID]...), nil
}

func (h *MemoryHub) Insert(_ context.Context, d Draft) (*Message, error) {
	h.mu.Lock()
	if err := h.insertErr; err != nil {
		h.insertErr = nil
		h.mu.Unlock()
		return nil, err
	}
	if d.ConversationID == "" {
		h.mu.Unlock()
		return nil, fmt.Errorf("insert: %w", ErrNoConversation)
	}
	m := Message{
		ID:             uuid.NewString(),
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		CreatedAt:      h.now(),
		State:          MessageConfirmed,
	}
	h.messages[d.ConversationID] = insertByTime(h.messages[d.ConversationID], m)
	subs := h.feedSubsLocked(d.ConversationID)
	h.mu.Unlock()

	for _, s := range subs {
		s.h.OnInsert(m)
	}
	out := m
	return &out, nil
}

// EditMessage replaces the content of a stored message and emits an update.
func (h *MemoryHub) EditMessage(_ context.Context, conversationID, messageID string, opts EditMessageOptions) (*Message, error) {
	h.mu.Lock()
	list := h.messages[conversationID]
	i := indexOf(list, messageID)
	if i < 0 {
		h.mu.Unlock()
		return nil, &APIError{Code: "NOT_FOUND", Message: "message not found"}
	}
	list[i].Content = opts.Content
	m := list[i]
	subs := h.feedSubsLocked(conversationID)
	h.mu.Unlock()

	for _, s := range subs {
		s.h.OnUpdate(m)
	}
	return &m, nil
}

// DeleteMessage removes a stored message and emits a delete.
func (h *MemoryHub) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	h.mu.Lock()
	list := h.messages[conversationID]
	i := indexOf(list, messageID)
	if i < 0 {
		h.mu.Unlock()
		return &APIError{Code: "NOT_FOUND", Message: "message not found"}
	}
	h.messages[conversationID] = append(list[:i], list[i+1:]...)
	subs := h.feedSubsLocked(conversationID)
	h.mu.Unlock()

	for _, s := range subs {
		s.h.OnDelete(messageID)
	}
	return nil
}

// ── Change feed ──────────────────────────────────────────

type memoryFeedSub struct {
	hub            *MemoryHub
	conversationID string
	h              FeedHandler
	once           sync.Once
}

func (h *MemoryHub) Subscribe(_ context.Context, conversationID string, fh FeedHandler) (Subscription, error) {
	s := &memoryFeedSub{hub: h, conversationID: conversationID, h: fh}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[conversationID] == nil {
		h.feeds[conversationID] = make(map[*memoryFeedSub]struct{})
	}
	h.feeds[conversationID][s] = struct{}{}
	return s, nil
}

func (s *memoryFeedSub) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.feeds[s.conversationID], s)
		s.hub.mu.Unlock()
	})
	return nil
}

func (h *MemoryHub) feedSubsLocked(conversationID string) []*memoryFeedSub {
	out := make([]*memoryFeedSub, 0, len(h.feeds[conversationID]))
	for s := range h.feeds[conversationID] {
		out = append(out, s)
	}
	return out
}

// ── Presence ─────────────────────────────────────────────

type memoryPresenceSub struct {
	hub            *MemoryHub
	conversationID string
	self           Participant
	h              PresenceHandler
	once           sync.Once
}

func (h *MemoryHub) Join(_ context.Context, conversationID string, self Participant, ph PresenceHandler) (PresenceSubscription, error) {
	s := &memoryPresenceSub{hub: h, conversationID: conversationID, self: self, h: ph}

	h.mu.Lock()
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*memoryPresenceSub]struct{})
	}
	others := h.roomLocked(conversationID)
	alreadyPresent := false
	for _, o := range others {
		if o.self.ID == self.ID {
			alreadyPresent = true
		}
	}
	h.rooms[conversationID][s] = struct{}{}
	ids := h.presentLocked(conversationID)
	h.mu.Unlock()

	ph.OnSync(ids)
	if !alreadyPresent {
		for _, o := range others {
			o.h.OnJoin(self.ID)
		}
	}
	return s, nil
}

// Online returns the participants present in conversationID.
func (h *MemoryHub) Online(conversationID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presentLocked(conversationID)
}

func (s *memoryPresenceSub) Broadcast(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	s.hub.mu.Lock()
	if _, ok := s.hub.rooms[s.conversationID][s]; !ok {
		s.hub.mu.Unlock()
		return ErrNotConnected
	}
	room := s.hub.roomLocked(s.conversationID)
	s.hub.mu.Unlock()

	for _, o := range room {
		if o != s {
			o.h.OnBroadcast(event, raw)
		}
	}
	return nil
}

func (s *memoryPresenceSub) Unsubscribe() error {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		delete(h.rooms[s.conversationID], s)
		room := h.roomLocked(s.conversationID)
		stillPresent := false
		for _, o := range room {
			if o.self.ID == s.self.ID {
				stillPresent = true
			}
		}
		h.mu.Unlock()
		if stillPresent {
			return
		}
		for _, o := range room {
			o.h.OnLeave(s.self.ID)
		}
	})
	return nil
}

func (h *MemoryHub) roomLocked(conversationID string) []*memoryPresenceSub {
	out := make([]*memoryPresenceSub, 0, len(h.rooms[conversationID]))
	for s := range h.rooms[conversationID] {
		out = append(out, s)
	}
	return out
}

func (h *MemoryHub) presentLocked(conversationID string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for s := range h.rooms[conversationID] {
		if _, ok := seen[s.self.ID]; ok {
			continue
		}
		seen[s.self.ID] = struct{}{}
		ids = append(ids, s.self.ID)
	}
	sort.Strings(ids)
	return ids
}

// ── Faults ───────────────────────────────────────────────

// Drop removes every feed and presence subscription on conversationID and
// reports err to their handlers, as a transport would on connection loss.
func (h *MemoryHub) Drop(conversationID string, err error) {
	h.mu.Lock()
	feeds := h.feedSubsLocked(conversationID)
	room := h.roomLocked(conversationID)
	delete(h.feeds, conversationID)
	delete(h.rooms, conversationID)
	h.mu.Unlock()

	for _, s := range feeds {
		s.once.Do(func() {})
		s.h.OnDrop(err)
	}
	for _, s := range room {
		s.once.Do(func() {})
		s.h.OnDrop(err)
	}
}

func (h *MemoryHub) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now()
}

// ============================================================================
// Helpers
// ============================================================================

func insertByTime(list []Message, m Message) []Message {
	pos := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	list = append(list, Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = m
	return list
}

func indexOf(list []Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
