package roomsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoadStatus describes the state of the engine's initial load.
type LoadStatus string

const (
	LoadEmpty       LoadStatus = "empty"
	LoadLoading     LoadStatus = "loading"
	LoadReady       LoadStatus = "ready"
	LoadUnavailable LoadStatus = "unavailable"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the timestamp source used for optimistic sends.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the id source used for optimistic sends.
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

// WithChangeListener registers a callback invoked after every mutation of the
// message list. It runs without the engine lock held; read CurrentView from it.
func WithChangeListener(fn func()) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// Engine owns the ordered message list of the active conversation and merges
// the initial load, optimistic sends and remote change events into it.
//
// Every mutation keeps at most one entry per id and the list sorted by
// CreatedAt ascending. All methods are safe for concurrent use; mutations are
// serialized by a single mutex.
type Engine struct {
	store    MessageStore
	self     string
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	onChange func()

	mu             sync.Mutex
	conversationID string
	epoch          uint64
	status         LoadStatus
	messages       []Message
}

// NewEngine creates an engine sending as selfID through store.
func NewEngine(store MessageStore, selfID string, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		self:   selfID,
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		status: LoadEmpty,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reset drops the current list and makes conversationID active. Results of
// in-flight loads and sends issued before the reset are discarded.
func (e *Engine) Reset(conversationID string) {
	e.mu.Lock()
	e.resetLocked(conversationID)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) resetLocked(conversationID string) {
	e.conversationID = conversationID
	e.epoch++
	e.status = LoadEmpty
	e.messages = nil
}

// ConversationID returns the active conversation, or "".
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Status returns the initial-load state.
func (e *Engine) Status() LoadStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CurrentView returns a snapshot of the list in ascending CreatedAt order.
func (e *Engine) CurrentView() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Pending returns the number of unacknowledged optimistic sends.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.messages {
		if m.Pending() {
			n++
		}
	}
	return n
}

// LoadInitial makes conversationID active and replaces the list with its
// history. On failure the list is left empty and a *FetchError is returned.
// ErrStale is returned when the engine was reset while the query was in flight.
func (e *Engine) LoadInitial(ctx context.Context, conversationID string) ([]Message, error) {
	e.mu.Lock()
	e.resetLocked(conversationID)
	epoch := e.epoch
	e.mu.Unlock()
	return e.load(ctx, conversationID, epoch)
}

// reset is Reset returning the epoch a later load must still match.
func (e *Engine) reset(conversationID string) uint64 {
	e.mu.Lock()
	e.resetLocked(conversationID)
	epoch := e.epoch
	e.mu.Unlock()
	e.notify()
	return epoch
}

// load fetches the history of conversationID into the list, provided no
// reset happened since epoch was taken. It never changes the active
// conversation.
func (e *Engine) load(ctx context.Context, conversationID string, epoch uint64) ([]Message, error) {
	e.mu.Lock()
	if e.epoch != epoch || e.conversationID != conversationID {
		e.mu.Unlock()
		e.log.Debug("initial_load_skipped", slog.String("conversation", conversationID))
		return nil, ErrStale
	}
	e.status = LoadLoading
	e.mu.Unlock()
	e.notify()

	history, err := e.store.Query(ctx, conversationID)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		e.log.Debug("initial_load_discarded", slog.String("conversation", conversationID))
		return nil, ErrStale
	}
	if err != nil {
		e.status = LoadUnavailable
		e.messages = nil
		e.mu.Unlock()
		e.log.Warn("initial_load_failed", slog.String("conversation", conversationID), slog.Any("error", err))
		e.notify()
		return nil, &FetchError{ConversationID: conversationID, Err: err}
	}

	// Optimistic sends issued while loading survive the replacement.
	var pending []Message
	for _, m := range e.messages {
		if m.Pending() {
			pending = append(pending, m)
		}
	}

	seen := make(map[string]struct{}, len(history))
	list := make([]Message, 0, len(history)+len(pending))
	for _, m := range history {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		m.State = MessageConfirmed
		list = append(list, m)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	e.messages = list
	for _, p := range pending {
		if e.indexLocked(p.ID) < 0 {
			e.insertSortedLocked(p)
		}
	}
	e.status = LoadReady
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	e.mu.Unlock()

	e.log.Debug("initial_load_applied", slog.String("conversation", conversationID), slog.Int("messages", len(out)))
	e.notify()
	return out, nil
}

// Send appends an optimistic pending message and inserts it into the store.
//
// The pending entry is visible in CurrentView before the store round trip.
// On success it is replaced by the stored message and the stored message is
// returned. On failure it is removed and a *SendError carrying text is
// returned.
func (e *Engine) Send(ctx context.Context, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	e.mu.Lock()
	if e.conversationID == "" {
		e.mu.Unlock()
		return nil, ErrNoConversation
	}
	pending := Message{
		ID:             e.newID(),
		ConversationID: e.conversationID,
		SenderID:       e.self,
		Content:        text,
		CreatedAt:      e.now(),
		State:          MessagePending,
	}
	pending.ClientID = pending.ID
	epoch := e.epoch
	e.insertSortedLocked(pending)
	e.mu.Unlock()
	e.notify()

	stored, err := e.store.Insert(ctx, Draft{
		ClientID:       pending.ID,
		ConversationID: pending.ConversationID,
		SenderID:       pending.SenderID,
		Content:        text,
	})
	if err == nil && stored == nil {
		err = errors.New("store returned no message")
	}

	var confirmed Message
	if err == nil {
		confirmed = *stored
		confirmed.State = MessageConfirmed
		if confirmed.ClientID == "" {
			confirmed.ClientID = pending.ID
		}
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = pending.ConversationID
		}
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		if err != nil {
			return nil, &SendError{Text: text, Err: err}
		}
		return &confirmed, nil
	}
	if err != nil {
		if i := e.indexLocked(pending.ID); i >= 0 && e.messages[i].Pending() {
			e.removeLocked(i)
		}
		e.mu.Unlock()
		e.log.Warn("send_failed", slog.String("conversation", pending.ConversationID), slog.Any("error", err))
		e.notify()
		return nil, &SendError{Text: text, Err: err}
	}
	e.confirmLocked(pending.ID, confirmed)
	e.mu.Unlock()
	e.notify()
	return &confirmed, nil
}

// OnRemoteInsert applies an insert event from the change feed. Duplicates,
// events without an id and events for other conversations are ignored.
func (e *Engine) OnRemoteInsert(m Message) {
	if m.ID == "" {
		e.log.Debug("insert_without_id_dropped", slog.String("conversation", m.ConversationID))
		return
	}
	e.mu.Lock()
	if !e.acceptsLocked(m.ConversationID) {
		e.mu.Unlock()
		return
	}
	if m.ConversationID == "" {
		m.ConversationID = e.conversationID
	}
	m.State = MessageConfirmed
	if j := e.indexLocked(m.ID); j >= 0 {
		if !e.messages[j].Pending() {
			e.mu.Unlock()
			e.log.Debug("duplicate_insert_ignored", slog.String("id", m.ID))
			return
		}
		// The store kept the client-generated id.
		e.confirmLocked(m.ID, m)
	} else if i := e.indexLocked(m.ClientID); i >= 0 && e.messages[i].Pending() {
		e.confirmLocked(m.ClientID, m)
	} else {
		e.insertSortedLocked(m)
	}
	e.mu.Unlock()
	e.notify()
}

// OnRemoteUpdate replaces the content of an existing message in place. An
// update for an unknown id is dropped.
func (e *Engine) OnRemoteUpdate(m Message) {
	if m.ID == "" {
		return
	}
	e.mu.Lock()
	if !e.acceptsLocked(m.ConversationID) {
		e.mu.Unlock()
		return
	}
	i := e.indexLocked(m.ID)
	if i < 0 {
		e.mu.Unlock()
		e.log.Debug("update_for_unknown_message", slog.String("id", m.ID))
		return
	}
	e.messages[i].Content = m.Content
	e.mu.Unlock()
	e.notify()
}

// OnRemoteDelete removes the message with id, if present.
func (e *Engine) OnRemoteDelete(id string) {
	e.mu.Lock()
	i := e.indexLocked(id)
	if i < 0 {
		e.mu.Unlock()
		return
	}
	e.removeLocked(i)
	e.mu.Unlock()
	e.notify()
}

// confirmLocked replaces the pending entry localID with m.
func (e *Engine) confirmLocked(localID string, m Message) {
	i := e.indexLocked(localID)
	if j := e.indexLocked(m.ID); j >= 0 && j != i {
		// The echo arrived before the acknowledgement.
		e.messages[j].State = MessageConfirmed
		if i >= 0 {
			e.removeLocked(i)
		}
		return
	}
	if i < 0 {
		return
	}
	if e.messages[i].CreatedAt.Equal(m.CreatedAt) {
		e.messages[i] = m
		return
	}
	e.removeLocked(i)
	e.insertSortedLocked(m)
}

func (e *Engine) acceptsLocked(conversationID string) bool {
	if e.conversationID == "" {
		return false
	}
	return conversationID == "" || conversationID == e.conversationID
}

func (e *Engine) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range e.messages {
		if e.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSortedLocked inserts m after every entry with CreatedAt <= m.CreatedAt.
func (e *Engine) insertSortedLocked(m Message) {
	pos := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].CreatedAt.After(m.CreatedAt)
	})
	e.messages = append(e.messages, Message{})
	copy(e.messages[pos+1:], e.messages[pos:])
	e.messages[pos] = m
}

func (e *Engine) removeLocked(i int) {
	e.messages = append(e.messages[:i], e.messages[i+1:]...)
}

func (e *Engine) notify() {
	if e.onChange == nil {
		return
	}
	func() {
		defer func() { recover() }() // swallow panics in user callbacks
		e.onChange()
	}()
}
