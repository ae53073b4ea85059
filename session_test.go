package roomsync

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// gatedStore blocks Query for one conversation until released.
type gatedStore struct {
	MessageStore
	conversationID string
	entered        chan struct{}
	release        chan struct{}
}

func (g *gatedStore) Query(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == g.conversationID {
		close(g.entered)
		<-g.release
	}
	return g.MessageStore.Query(ctx, conversationID)
}

// blockingFeed holds the first Unsubscribe call until release is closed.
type blockingFeed struct {
	ChangeFeed
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *blockingFeed) Subscribe(ctx context.Context, conversationID string, h FeedHandler) (Subscription, error) {
	sub, err := f.ChangeFeed.Subscribe(ctx, conversationID, h)
	if err != nil {
		return nil, err
	}
	return &blockingSub{Subscription: sub, feed: f}, nil
}

type blockingSub struct {
	Subscription
	feed *blockingFeed
}

func (b *blockingSub) Unsubscribe() error {
	b.feed.once.Do(func() {
		close(b.feed.entered)
		<-b.feed.release
	})
	return b.Subscription.Unsubscribe()
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) get() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newTestSession(t *testing.T, hub *MemoryHub, self string, mutate ...func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{
		Self:      Participant{ID: self},
		Store:     hub,
		Feed:      hub,
		Presence:  hub,
		Directory: hub,
		Scheduler: &fakeScheduler{},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, hub *MemoryHub, conversationID string, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if _, err := hub.Insert(context.Background(), Draft{ConversationID: conversationID, SenderID: "seed", Content: text}); err != nil {
			t.Fatal(err)
		}
	}
}

func feedCount(hub *MemoryHub, conversationID string) int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.feeds[conversationID])
}

func contents(list []Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.Content
	}
	return out
}

// ============================================================================
// SelectConversation
// ============================================================================

func TestSessionSelect(t *testing.T) {
	t.Run("loads history and goes active", func(t *testing.T) {
		hub := NewMemoryHub()
		seed(t, hub, "room-a", "one", "two")
		s := newTestSession(t, hub, "alice")

		if err := s.SelectConversation(context.Background(), "room-a"); err != nil {
			t.Fatalf("SelectConversation: %v", err)
		}
		if s.State() != SessionActive || s.Conversation() != "room-a" {
			t.Fatalf("state = %s/%s", s.State(), s.Conversation())
		}
		if got := contents(s.Messages()); len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Fatalf("messages = %v", got)
		}
		if !s.IsOnline("alice") {
			t.Error("self should be in the presence sync")
		}
	})

	t.Run("remote inserts reach the view", func(t *testing.T) {
		hub := NewMemoryHub()
		s := newTestSession(t, hub, "alice")
		if err := s.SelectConversation(context.Background(), "room-a"); err != nil {
			t.Fatal(err)
		}
		seed(t, hub, "room-a", "hello")
		seed(t, hub, "room-b", "elsewhere")
		if got := contents(s.Messages()); len(got) != 1 || got[0] != "hello" {
			t.Fatalf("messages = %v", got)
		}
	})

	t.Run("reselecting the active conversation is a no-op", func(t *testing.T) {
		hub := NewMemoryHub()
		s := newTestSession(t, hub, "alice")
		ctx := context.Background()
		if err := s.SelectConversation(ctx, "room-a"); err != nil {
			t.Fatal(err)
		}
		if err := s.SelectConversation(ctx, "room-a"); err != nil {
			t.Fatal(err)
		}
		if n := feedCount(hub, "room-a"); n != 1 {
			t.Fatalf("feed subscriptions = %d, want 1", n)
		}
	})

	t.Run("switching tears down the previous subscriptions", func(t *testing.T) {
		hub := NewMemoryHub()
		s := newTestSession(t, hub, "alice")
		ctx := context.Background()
		if err := s.SelectConversation(ctx, "room-a"); err != nil {
			t.Fatal(err)
		}
		if err := s.SelectConversation(ctx, "room-b"); err != nil {
			t.Fatal(err)
		}
		if feedCount(hub, "room-a") != 0 || feedCount(hub, "room-b") != 1 {
			t.Fatalf("feeds a=%d b=%d", feedCount(hub, "room-a"), feedCount(hub, "room-b"))
		}
		if online := hub.Online("room-a"); len(online) != 0 {
			t.Fatalf("still present in room-a: %v", online)
		}
	})

	t.Run("stale load is discarded", func(t *testing.T) {
		hub := NewMemoryHub()
		seed(t, hub, "room-a", "from-a")
		seed(t, hub, "room-b", "from-b")
		gate := &gatedStore{MessageStore: hub, conversationID: "room-a", entered: make(chan struct{}), release: make(chan struct{})}
		s := newTestSession(t, hub, "alice", func(c *SessionConfig) { c.Store = gate })
		ctx := context.Background()

		done := make(chan error, 1)
		go func() { done <- s.SelectConversation(ctx, "room-a") }()
		<-gate.entered

		if err := s.SelectConversation(ctx, "room-b"); err != nil {
			t.Fatalf("select b: %v", err)
		}
		close(gate.release)
		if err := <-done; !errors.Is(err, ErrStale) {
			t.Fatalf("select a err = %v, want ErrStale", err)
		}
		if got := contents(s.Messages()); len(got) != 1 || got[0] != "from-b" {
			t.Fatalf("messages = %v, want [from-b]", got)
		}
		if s.Conversation() != "room-b" || s.State() != SessionActive {
			t.Fatalf("state = %s/%s", s.State(), s.Conversation())
		}
		if feedCount(hub, "room-a") != 0 {
			t.Fatal("stale selection left a subscription open")
		}
	})

	t.Run("overlapping selections end on the latest", func(t *testing.T) {
		hub := NewMemoryHub()
		seed(t, hub, "room-x", "from-x")
		seed(t, hub, "room-a", "from-a")
		seed(t, hub, "room-b", "from-b")
		feed := &blockingFeed{ChangeFeed: hub, entered: make(chan struct{}), release: make(chan struct{})}
		gate := &gatedStore{MessageStore: hub, conversationID: "room-b", entered: make(chan struct{}), release: make(chan struct{})}
		s := newTestSession(t, hub, "alice", func(c *SessionConfig) {
			c.Store = gate
			c.Feed = feed
		})
		ctx := context.Background()

		if err := s.SelectConversation(ctx, "room-x"); err != nil {
			t.Fatalf("select x: %v", err)
		}

		// a is stuck leaving x, then b starts and parks in its query.
		doneA := make(chan error, 1)
		go func() { doneA <- s.SelectConversation(ctx, "room-a") }()
		<-feed.entered
		doneB := make(chan error, 1)
		go func() { doneB <- s.SelectConversation(ctx, "room-b") }()
		<-gate.entered

		close(feed.release)
		if err := <-doneA; !errors.Is(err, ErrStale) {
			t.Fatalf("select a err = %v, want ErrStale", err)
		}
		if s.Conversation() != "room-b" || s.State() != SessionLoading {
			t.Fatalf("after a: state = %s/%s, want loading/room-b", s.State(), s.Conversation())
		}

		close(gate.release)
		if err := <-doneB; err != nil {
			t.Fatalf("select b: %v", err)
		}
		if s.Conversation() != "room-b" || s.State() != SessionActive {
			t.Fatalf("state = %s/%s, want active/room-b", s.State(), s.Conversation())
		}
		if got := contents(s.Messages()); len(got) != 1 || got[0] != "from-b" {
			t.Fatalf("messages = %v, want [from-b]", got)
		}
		if feedCount(hub, "room-a") != 0 || feedCount(hub, "room-x") != 0 {
			t.Fatal("superseded selection left a subscription open")
		}
		if feedCount(hub, "room-b") != 1 {
			t.Fatalf("room-b feeds = %d, want 1", feedCount(hub, "room-b"))
		}
	})

	t.Run("load failure is reported once", func(t *testing.T) {
		hub := NewMemoryHub()
		errs := &errorSink{}
		s := newTestSession(t, hub, "alice", func(c *SessionConfig) { c.OnError = errs.report })
		hub.FailNextQuery(errors.New("unreachable"))

		err := s.SelectConversation(context.Background(), "room-a")
		var fe *FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("err = %v, want *FetchError", err)
		}
		if s.State() != SessionNone || s.LoadStatus() != LoadUnavailable {
			t.Fatalf("state = %s, load = %s", s.State(), s.LoadStatus())
		}
		if feedCount(hub, "room-a") != 0 {
			t.Fatal("subscribed after failed load")
		}
		if len(errs.get()) != 0 {
			t.Fatal("returned error was also reported asynchronously")
		}

		if err := s.SelectConversation(context.Background(), "room-a"); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if s.State() != SessionActive {
			t.Fatalf("state after retry = %s", s.State())
		}
	})

	t.Run("dropped feed leaves the session inactive", func(t *testing.T) {
		hub := NewMemoryHub()
		errs := &errorSink{}
		s := newTestSession(t, hub, "alice", func(c *SessionConfig) { c.OnError = errs.report })
		if err := s.SelectConversation(context.Background(), "room-a"); err != nil {
			t.Fatal(err)
		}
		hub.Drop("room-a", errors.New("connection reset"))
		waitFor(t, func() bool { return s.State() == SessionNone })
		waitFor(t, func() bool { return len(errs.get()) == 1 })

		var se *SubscriptionError
		if !errors.As(errs.get()[0], &se) || se.ConversationID != "room-a" {
			t.Fatalf("reported %v", errs.get())
		}
		seed(t, hub, "room-a", "after drop")
		if len(s.Messages()) != 0 {
			t.Fatal("events applied after drop")
		}
	})
}

// ============================================================================
// Send & presence
// ============================================================================

func TestSessionSend(t *testing.T) {
	t.Run("echo yields one entry", func(t *testing.T) {
		hub := NewMemoryHub()
		s := newTestSession(t, hub, "alice")
		if err := s.SelectConversation(context.Background(), "room-a"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Send(context.Background(), "hi"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		view := s.Messages()
		if len(view) != 1 || view[0].Content != "hi" || view[0].Pending() {
			t.Fatalf("view = %+v", view)
		}
	})

	t.Run("failed send returns the text", func(t *testing.T) {
		hub := NewMemoryHub()
		s := newTestSession(t, hub, "alice")
		if err := s.SelectConversation(context.Background(), "room-a"); err != nil {
			t.Fatal(err)
		}
		hub.FailNextInsert(errors.New("rejected"))
		_, err := s.Send(context.Background(), "hi")
		var se *SendError
		if !errors.As(err, &se) || se.Text != "hi" {
			t.Fatalf("err = %v", err)
		}
		if len(s.Messages()) != 0 {
			t.Fatal("rolled back entry still visible")
		}
	})

	t.Run("requires a conversation", func(t *testing.T) {
		s := newTestSession(t, NewMemoryHub(), "alice")
		if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrNoConversation) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestSessionPresence(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	alice := newTestSession(t, hub, "alice")
	bob := newTestSession(t, hub, "bob")

	if err := alice.SelectConversation(ctx, "room-a"); err != nil {
		t.Fatal(err)
	}
	if err := bob.SelectConversation(ctx, "room-a"); err != nil {
		t.Fatal(err)
	}
	if !alice.IsOnline("bob") || !bob.IsOnline("alice") {
		t.Fatalf("online alice=%v bob=%v", alice.Online(), bob.Online())
	}

	bob.InputChanged("h")
	if !alice.IsTyping() {
		t.Fatal("alice should see bob typing")
	}
	if bob.IsTyping() {
		t.Fatal("bob sees his own typing")
	}
	if _, err := bob.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if alice.IsTyping() {
		t.Fatal("typing flag should clear on send")
	}
	if got := contents(alice.Messages()); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("alice messages = %v", got)
	}

	if err := bob.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bob.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if alice.IsOnline("bob") {
		t.Fatal("bob should be offline after leaving")
	}
	if bob.State() != SessionNone {
		t.Fatalf("bob state = %s", bob.State())
	}
}

func TestSessionConversations(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	if _, err := hub.CreateConversation(ctx, CreateConversationOptions{Title: "ours", Members: []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.CreateConversation(ctx, CreateConversationOptions{Title: "theirs", Members: []string{"carol"}}); err != nil {
		t.Fatal(err)
	}
	s := newTestSession(t, hub, "alice")
	convs, err := s.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "ours" {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestNewSessionValidates(t *testing.T) {
	if _, err := NewSession(SessionConfig{Self: Participant{ID: "alice"}}); err == nil {
		t.Fatal("expected error without transports")
	}
	hub := NewMemoryHub()
	if _, err := NewSession(SessionConfig{Store: hub, Feed: hub, Presence: hub}); err == nil {
		t.Fatal("expected error without participant id")
	}
}
