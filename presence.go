package roomsync

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultQuietWindow is how long a typing indicator lasts without a refresh.
const DefaultQuietWindow = 2 * time.Second

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// PresenceOption configures a PresenceTracker.
type PresenceOption func(*PresenceTracker)

// WithQuietWindow sets how long a remote typing indicator stays up.
func WithQuietWindow(d time.Duration) PresenceOption {
	return func(t *PresenceTracker) { t.quiet = d }
}

// WithScheduler replaces the wall-clock scheduler.
func WithScheduler(s Scheduler) PresenceOption {
	return func(t *PresenceTracker) { t.sched = s }
}

// WithPresenceLogger sets the tracker logger.
func WithPresenceLogger(l *slog.Logger) PresenceOption {
	return func(t *PresenceTracker) { t.log = l }
}

// WithPresenceListener registers a callback invoked after the online set or
// the typing flag changed.
func WithPresenceListener(fn func()) PresenceOption {
	return func(t *PresenceTracker) { t.onChange = fn }
}

// PresenceTracker owns the online set and the "someone else is typing" flag
// of the active conversation.
type PresenceTracker struct {
	self     string
	quiet    time.Duration
	sched    Scheduler
	log      *slog.Logger
	onChange func()

	mu       sync.Mutex
	online   map[string]struct{}
	typing   bool
	timer    Timer
	timerGen uint64
}

// NewPresenceTracker creates a tracker for the local participant selfID.
func NewPresenceTracker(selfID string, opts ...PresenceOption) *PresenceTracker {
	t := &PresenceTracker{
		self:   selfID,
		quiet:  DefaultQuietWindow,
		sched:  wallScheduler{},
		log:    slog.Default(),
		online: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnSync replaces the online set with participantIDs.
func (t *PresenceTracker) OnSync(participantIDs []string) {
	online := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if id != "" {
			online[id] = struct{}{}
		}
	}
	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
	t.notify()
}

// OnJoin marks participantID online.
func (t *PresenceTracker) OnJoin(participantID string) {
	if participantID == "" {
		return
	}
	t.mu.Lock()
	_, ok := t.online[participantID]
	t.online[participantID] = struct{}{}
	t.mu.Unlock()
	if !ok {
		t.notify()
	}
}

// OnLeave marks participantID offline.
func (t *PresenceTracker) OnLeave(participantID string) {
	t.mu.Lock()
	_, ok := t.online[participantID]
	delete(t.online, participantID)
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}

// OnTypingBroadcast applies a typing signal from participantID. Signals from
// the local participant are ignored. typing=true raises the flag and restarts
// the quiet-window timer; typing=false clears it immediately.
func (t *PresenceTracker) OnTypingBroadcast(participantID string, typing bool) {
	if participantID == t.self {
		return
	}
	t.mu.Lock()
	changed := t.typing != typing
	t.stopTimerLocked()
	t.typing = typing
	if typing {
		gen := t.timerGen
		t.timer = t.sched.AfterFunc(t.quiet, func() { t.expire(gen) })
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// OnBroadcast decodes typing signals; other events are ignored.
func (t *PresenceTracker) OnBroadcast(event string, payload json.RawMessage) {
	if event != EventTyping {
		return
	}
	var sig TypingSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		t.log.Debug("bad_typing_payload", slog.Any("error", err))
		return
	}
	t.OnTypingBroadcast(sig.ParticipantID, sig.Typing)
}

func (t *PresenceTracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.timerGen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()
	t.notify()
}

// stopTimerLocked cancels the pending expiry. Bumping the generation also
// neutralises a timer that already fired and is waiting for the lock.
func (t *PresenceTracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerGen++
}

// IsOnline reports whether participantID is present.
func (t *PresenceTracker) IsOnline(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[participantID]
	return ok
}

// Online returns the present participants, sorted.
func (t *PresenceTracker) Online() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsTyping reports whether another participant is typing.
func (t *PresenceTracker) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Reset empties the online set and clears the typing flag.
func (t *PresenceTracker) Reset() {
	t.mu.Lock()
	t.stopTimerLocked()
	t.typing = false
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	t.notify()
}

func (t *PresenceTracker) notify() {
	if t.onChange == nil {
		return
	}
	func() {
		defer func() { recover() }() // swallow panics in user callbacks
		t.onChange()
	}()
}
