package roomsync

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake scheduler
// ============================================================================

type fakeTimer struct {
	s       *fakeScheduler
	when    time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler runs timers when Advance moves its clock past them.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, when: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t0.Add(s.now)
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.when <= s.now {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].when < due[j].when })
	for _, t := range due {
		t.f()
	}
}

func (s *fakeScheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Online set
// ============================================================================

func TestPresenceOnline(t *testing.T) {
	t.Run("sync replaces the set", func(t *testing.T) {
		p := NewPresenceTracker("alice")
		p.OnSync([]string{"alice", "bob", "carol"})
		p.OnSync([]string{"alice", "dave"})
		got := p.Online()
		if len(got) != 2 || got[0] != "alice" || got[1] != "dave" {
			t.Fatalf("online = %v, want [alice dave]", got)
		}
		if p.IsOnline("bob") {
			t.Error("bob should be offline after resync")
		}
	})

	t.Run("sync is idempotent", func(t *testing.T) {
		p := NewPresenceTracker("alice")
		p.OnSync([]string{"bob"})
		p.OnSync([]string{"bob"})
		if got := p.Online(); len(got) != 1 || got[0] != "bob" {
			t.Fatalf("online = %v", got)
		}
	})

	t.Run("join and leave", func(t *testing.T) {
		p := NewPresenceTracker("alice")
		p.OnJoin("bob")
		p.OnJoin("bob")
		if !p.IsOnline("bob") {
			t.Fatal("bob should be online")
		}
		p.OnLeave("bob")
		p.OnLeave("bob")
		if p.IsOnline("bob") {
			t.Fatal("bob should be offline")
		}
	})

	t.Run("listener fires on changes only", func(t *testing.T) {
		calls := 0
		p := NewPresenceTracker("alice", WithPresenceListener(func() { calls++ }))
		p.OnJoin("bob")
		p.OnJoin("bob")
		p.OnLeave("carol")
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

// ============================================================================
// Typing flag
// ============================================================================

func TestPresenceTyping(t *testing.T) {
	newTracker := func() (*PresenceTracker, *fakeScheduler) {
		s := &fakeScheduler{}
		return NewPresenceTracker("alice", WithScheduler(s), WithQuietWindow(2*time.Second)), s
	}

	t.Run("expires after the quiet window", func(t *testing.T) {
		p, s := newTracker()
		p.OnTypingBroadcast("bob", true)
		if !p.IsTyping() {
			t.Fatal("expected typing")
		}
		s.Advance(1999 * time.Millisecond)
		if !p.IsTyping() {
			t.Fatal("cleared too early")
		}
		s.Advance(time.Millisecond)
		if p.IsTyping() {
			t.Fatal("expected flag cleared after quiet window")
		}
	})

	t.Run("false clears immediately", func(t *testing.T) {
		p, s := newTracker()
		p.OnTypingBroadcast("bob", true)
		p.OnTypingBroadcast("bob", false)
		if p.IsTyping() {
			t.Fatal("expected flag cleared")
		}
		if s.Live() != 0 {
			t.Errorf("live timers = %d, want 0", s.Live())
		}
	})

	t.Run("new signal restarts the window", func(t *testing.T) {
		p, s := newTracker()
		p.OnTypingBroadcast("bob", true)
		s.Advance(1500 * time.Millisecond)
		p.OnTypingBroadcast("bob", true)
		if s.Live() != 1 {
			t.Fatalf("live timers = %d, want 1", s.Live())
		}
		s.Advance(1500 * time.Millisecond)
		if !p.IsTyping() {
			t.Fatal("superseded timer cleared the flag")
		}
		s.Advance(500 * time.Millisecond)
		if p.IsTyping() {
			t.Fatal("expected flag cleared")
		}
	})

	t.Run("self echo is ignored", func(t *testing.T) {
		p, s := newTracker()
		p.OnTypingBroadcast("alice", true)
		if p.IsTyping() || s.Live() != 0 {
			t.Fatal("self signal applied")
		}
	})

	t.Run("broadcast payload", func(t *testing.T) {
		p, _ := newTracker()
		raw, _ := json.Marshal(TypingSignal{ParticipantID: "bob", Typing: true})
		p.OnBroadcast("other", raw)
		if p.IsTyping() {
			t.Fatal("non-typing event applied")
		}
		p.OnBroadcast(EventTyping, json.RawMessage(`{not json`))
		if p.IsTyping() {
			t.Fatal("malformed payload applied")
		}
		p.OnBroadcast(EventTyping, raw)
		if !p.IsTyping() {
			t.Fatal("expected typing from broadcast")
		}
	})

	t.Run("reset cancels the timer", func(t *testing.T) {
		p, s := newTracker()
		p.OnSync([]string{"bob"})
		p.OnTypingBroadcast("bob", true)
		p.Reset()
		if p.IsTyping() || len(p.Online()) != 0 || s.Live() != 0 {
			t.Fatal("reset left state behind")
		}
	})
}
