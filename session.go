package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionNone    SessionState = "none"
	SessionLoading SessionState = "loading"
	SessionActive  SessionState = "active"
)

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	Self      Participant
	Store     MessageStore
	Feed      ChangeFeed
	Presence  PresenceChannel
	Directory Directory // optional

	Logger           *slog.Logger
	QuietWindow      time.Duration
	Scheduler        Scheduler
	BroadcastTimeout time.Duration

	// OnChange is called after the message list, the online set or the typing
	// flag changed. It must not call SelectConversation or Close.
	OnChange func()
	// OnError receives failures that happen outside a method call, such as
	// a dropped subscription.
	OnError func(error)
}

func (c *SessionConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.QuietWindow == 0 {
		c.QuietWindow = DefaultQuietWindow
	}
	if c.Scheduler == nil {
		c.Scheduler = wallScheduler{}
	}
	if c.BroadcastTimeout == 0 {
		c.BroadcastTimeout = 5 * time.Second
	}
}

type sessionStatus struct {
	state          SessionState
	conversationID string
}

type presenceRef struct {
	sub PresenceSubscription
}

// Session owns the subscriptions of the active conversation and feeds their
// events into an Engine and a PresenceTracker. At most one feed subscription
// and one presence subscription are live at any time.
type Session struct {
	cfg     SessionConfig
	log     *slog.Logger
	engine  *Engine
	tracker *PresenceTracker
	typing  *TypingEmitter

	mu          sync.Mutex // serializes lifecycle transitions
	feedSub     Subscription
	presenceSub PresenceSubscription

	gate sync.RWMutex // event delivery vs. generation changes
	gen  uint64

	status atomic.Pointer[sessionStatus]
	bcast  atomic.Pointer[presenceRef]
}

// NewSession validates cfg and returns an idle session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Self.ID == "" {
		return nil, errors.New("session: participant id is required")
	}
	if cfg.Store == nil || cfg.Feed == nil || cfg.Presence == nil {
		return nil, errors.New("session: store, feed and presence are required")
	}
	cfg.defaults()

	s := &Session{cfg: cfg, log: cfg.Logger}
	s.engine = NewEngine(cfg.Store, cfg.Self.ID,
		WithEngineLogger(cfg.Logger),
		WithChangeListener(s.changed),
	)
	s.tracker = NewPresenceTracker(cfg.Self.ID,
		WithQuietWindow(cfg.QuietWindow),
		WithScheduler(cfg.Scheduler),
		WithPresenceLogger(cfg.Logger),
		WithPresenceListener(s.changed),
	)
	s.typing = NewTypingEmitter(s.publishTyping, &TypingConfig{
		QuietWindow: cfg.QuietWindow,
		Scheduler:   cfg.Scheduler,
	})
	s.status.Store(&sessionStatus{state: SessionNone})
	return s, nil
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return s.status.Load().state
}

// Conversation returns the selected conversation. After a failed selection
// it still names the conversation that could not be loaded.
func (s *Session) Conversation() string {
	return s.status.Load().conversationID
}

// LoadStatus returns the engine's initial-load state for the selected conversation.
func (s *Session) LoadStatus() LoadStatus {
	return s.engine.Status()
}

// Messages returns the current message view.
func (s *Session) Messages() []Message {
	return s.engine.CurrentView()
}

// Online returns the participants present in the active conversation.
func (s *Session) Online() []string {
	return s.tracker.Online()
}

// IsOnline reports whether participantID is present in the active conversation.
func (s *Session) IsOnline(participantID string) bool {
	return s.tracker.IsOnline(participantID)
}

// IsTyping reports whether someone else is typing in the active conversation.
func (s *Session) IsTyping() bool {
	return s.tracker.IsTyping()
}

// Conversations lists the conversations of the local participant.
func (s *Session) Conversations(ctx context.Context) ([]Conversation, error) {
	if s.cfg.Directory == nil {
		return nil, errors.New("session: no directory configured")
	}
	return s.cfg.Directory.ListConversations(ctx, s.cfg.Self.ID)
}

// SelectConversation makes conversationID active: previous subscriptions are
// torn down, local state is reset, history is loaded and the change feed and
// presence channel are opened. Selecting the current conversation is a no-op.
//
// Failures are returned once and leave the session in SessionNone; nothing is
// retried. If another selection supersedes this one while it is in flight,
// whatever it opened is closed and ErrStale is returned.
func (s *Session) SelectConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	cur := s.status.Load()
	if cur.conversationID == conversationID && cur.state != SessionNone {
		return nil
	}

	// Let the previous room know we stopped typing before leaving it.
	s.typing.Stop()

	s.mu.Lock()
	cur = s.status.Load()
	if cur.conversationID == conversationID && cur.state != SessionNone {
		s.mu.Unlock()
		return nil
	}
	feedSub, presenceSub := s.detachLocked()
	s.gate.Lock()
	s.gen++
	gen := s.gen
	epoch := s.engine.reset(conversationID)
	s.tracker.Reset()
	s.gate.Unlock()
	s.status.Store(&sessionStatus{state: SessionLoading, conversationID: conversationID})
	s.mu.Unlock()

	closeSubscriptions(s.log, feedSub, presenceSub)
	s.log.Info("conversation_selected", slog.String("conversation", conversationID))

	// A later selection resets the engine again, which makes this load stale.
	if _, err := s.engine.load(ctx, conversationID, epoch); err != nil {
		return s.fail(gen, conversationID, err)
	}
	if !s.current(gen) {
		return ErrStale
	}

	feedSub, err := s.cfg.Feed.Subscribe(ctx, conversationID, &feedSink{s: s, gen: gen, conversationID: conversationID})
	if err != nil {
		return s.fail(gen, conversationID, &SubscriptionError{Op: "feed", ConversationID: conversationID, Err: err})
	}
	presenceSub, err = s.cfg.Presence.Join(ctx, conversationID, s.cfg.Self, &presenceSink{s: s, gen: gen, conversationID: conversationID})
	if err != nil {
		closeSubscriptions(s.log, feedSub, nil)
		return s.fail(gen, conversationID, &SubscriptionError{Op: "presence", ConversationID: conversationID, Err: err})
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		closeSubscriptions(s.log, feedSub, presenceSub)
		return ErrStale
	}
	s.feedSub, s.presenceSub = feedSub, presenceSub
	s.bcast.Store(&presenceRef{sub: presenceSub})
	s.status.Store(&sessionStatus{state: SessionActive, conversationID: conversationID})
	s.mu.Unlock()

	s.log.Info("session_active", slog.String("conversation", conversationID))
	s.changed()
	return nil
}

// Close tears down the subscriptions and clears local state. It is safe to
// call more than once, and the session may select a conversation again.
func (s *Session) Close() error {
	s.typing.Stop()

	s.mu.Lock()
	feedSub, presenceSub := s.detachLocked()
	s.gate.Lock()
	s.gen++
	s.engine.Reset("")
	s.tracker.Reset()
	s.gate.Unlock()
	s.status.Store(&sessionStatus{state: SessionNone})
	s.mu.Unlock()

	return closeSubscriptions(s.log, feedSub, presenceSub)
}

// Send sends text to the active conversation. See Engine.Send.
func (s *Session) Send(ctx context.Context, text string) (*Message, error) {
	if s.State() == SessionNone {
		return nil, ErrNoConversation
	}
	s.typing.Stop()
	return s.engine.Send(ctx, text)
}

// InputChanged reports the content of the local input for typing indicators.
func (s *Session) InputChanged(text string) {
	if s.State() != SessionActive {
		return
	}
	s.typing.InputChanged(text)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) fail(gen uint64, conversationID string, err error) error {
	if errors.Is(err, ErrStale) {
		return err
	}
	s.mu.Lock()
	if s.gen == gen {
		s.status.Store(&sessionStatus{state: SessionNone, conversationID: conversationID})
	}
	s.mu.Unlock()
	s.log.Warn("conversation_select_failed", slog.String("conversation", conversationID), slog.Any("error", err))
	s.changed()
	return err
}

// drop handles a subscription lost after setup.
func (s *Session) drop(gen uint64, err *SubscriptionError) {
	s.mu.Lock()
	if s.gen != gen || s.status.Load().state != SessionActive {
		s.mu.Unlock()
		return
	}
	feedSub, presenceSub := s.detachLocked()
	s.gate.Lock()
	s.gen++
	s.tracker.Reset()
	s.gate.Unlock()
	s.status.Store(&sessionStatus{state: SessionNone, conversationID: err.ConversationID})
	s.mu.Unlock()

	s.typing.Stop()
	closeSubscriptions(s.log, feedSub, presenceSub)
	s.log.Warn("subscription_dropped", slog.String("op", err.Op), slog.String("conversation", err.ConversationID), slog.Any("error", err.Err))
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
	s.changed()
}

func (s *Session) detachLocked() (Subscription, PresenceSubscription) {
	feedSub, presenceSub := s.feedSub, s.presenceSub
	s.feedSub, s.presenceSub = nil, nil
	s.bcast.Store(nil)
	return feedSub, presenceSub
}

// deliver runs fn if gen is still the current generation.
func (s *Session) deliver(gen uint64, fn func()) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.gen != gen {
		return
	}
	fn()
}

func (s *Session) publishTyping(typing bool) {
	ref := s.bcast.Load()
	if ref == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BroadcastTimeout)
	defer cancel()
	sig := TypingSignal{ParticipantID: s.cfg.Self.ID, Typing: typing}
	if err := ref.sub.Broadcast(ctx, EventTyping, sig); err != nil {
		s.log.Warn("typing_broadcast_failed", slog.Bool("typing", typing), slog.Any("error", err))
	}
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func closeSubscriptions(log *slog.Logger, feedSub Subscription, presenceSub PresenceSubscription) error {
	var errs []error
	if feedSub != nil {
		if err := feedSub.Unsubscribe(); err != nil {
			log.Warn("feed_unsubscribe_failed", slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	if presenceSub != nil {
		if err := presenceSub.Unsubscribe(); err != nil {
			log.Warn("presence_unsubscribe_failed", slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Event sinks
// ============================================================================

type feedSink struct {
	s              *Session
	gen            uint64
	conversationID string
}

func (f *feedSink) OnInsert(m Message) {
	f.s.deliver(f.gen, func() { f.s.engine.OnRemoteInsert(m) })
}

func (f *feedSink) OnUpdate(m Message) {
	f.s.deliver(f.gen, func() { f.s.engine.OnRemoteUpdate(m) })
}

func (f *feedSink) OnDelete(id string) {
	f.s.deliver(f.gen, func() { f.s.engine.OnRemoteDelete(id) })
}

func (f *feedSink) OnDrop(err error) {
	go f.s.drop(f.gen, &SubscriptionError{Op: "feed", ConversationID: f.conversationID, Err: err})
}

type presenceSink struct {
	s              *Session
	gen            uint64
	conversationID string
}

func (p *presenceSink) OnSync(ids []string) {
	p.s.deliver(p.gen, func() { p.s.tracker.OnSync(ids) })
}

func (p *presenceSink) OnJoin(id string) {
	p.s.deliver(p.gen, func() { p.s.tracker.OnJoin(id) })
}

func (p *presenceSink) OnLeave(id string) {
	p.s.deliver(p.gen, func() { p.s.tracker.OnLeave(id) })
}

func (p *presenceSink) OnBroadcast(event string, payload json.RawMessage) {
	p.s.deliver(p.gen, func() { p.s.tracker.OnBroadcast(event, payload) })
}

func (p *presenceSink) OnDrop(err error) {
	go p.s.drop(p.gen, &SubscriptionError{Op: "presence", ConversationID: p.conversationID, Err: err})
}
