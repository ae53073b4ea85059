package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/roomsync"
)

const eventually = 3 * time.Second

type testRelay struct {
	srv   *Server
	store *SQLStore
	http  *httptest.Server
}

func newTestRelay(t *testing.T, mutate ...func(*Config)) *testRelay {
	t.Helper()
	store := openTestStore(t)
	cfg := &Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, m := range mutate {
		m(cfg)
	}
	srv := NewServer(store, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testRelay{srv: srv, store: store, http: ts}
}

func (r *testRelay) client(participant string) *roomsync.Client {
	return roomsync.NewClient(roomsync.WithBaseURL(r.http.URL), roomsync.WithParticipant(participant))
}

func (r *testRelay) realtime(t *testing.T, participant string) *roomsync.RealtimeClient {
	t.Helper()
	rt := r.client(participant).Realtime(&roomsync.RealtimeConfig{
		HeartbeatInterval: time.Minute,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, rt.Connect(ctx))
	t.Cleanup(func() { rt.Disconnect() })
	return rt
}

func (r *testRelay) session(t *testing.T, participant string) *roomsync.Session {
	t.Helper()
	c := r.client(participant)
	rt := r.realtime(t, participant)
	s, err := roomsync.NewSession(roomsync.SessionConfig{
		Self:        roomsync.Participant{ID: participant},
		Store:       c,
		Directory:   c,
		Feed:        rt,
		Presence:    rt,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		QuietWindow: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// following reports how many connections follow the feed of conv.
func (r *testRelay) following(conv string) int {
	r.srv.hub.mu.Lock()
	defer r.srv.hub.mu.Unlock()
	return len(r.srv.hub.feeds[conv])
}

func (r *testRelay) do(t *testing.T, method, path, participant, body string) (int, roomsync.Result) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, r.http.URL+path, rd)
	require.NoError(t, err)
	if participant != "" {
		req.Header.Set(roomsync.ParticipantHeader, participant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res roomsync.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func TestHealth(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	_, err := r.client("alice").CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "general"})
	require.NoError(t, err)

	h, err := r.client("").Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Conversations)
	assert.Equal(t, 0, h.Connections)
}

func TestRESTErrors(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	conv, err := r.client("alice").CreateConversation(ctx, roomsync.CreateConversationOptions{
		Title:   "dm",
		Members: []string{"bob"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.Members)

	tests := []struct {
		name        string
		method      string
		path        string
		participant string
		body        string
		status      int
		code        string
	}{
		{"unknown route", "GET", "/api/nope", "", "", http.StatusNotFound, "NOT_FOUND"},
		{"missing title", "POST", "/api/conversations", "alice", `{"title":" "}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad json", "POST", "/api/conversations", "alice", `{`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown conversation", "GET", "/api/conversations/missing/messages", "alice", "", http.StatusNotFound, "NOT_FOUND"},
		{"not a member", "GET", "/api/conversations/" + conv.ID + "/messages", "carol", "", http.StatusForbidden, "FORBIDDEN"},
		{"sender mismatch", "POST", "/api/conversations/" + conv.ID + "/messages", "alice", `{"senderId":"bob","content":"x"}`, http.StatusForbidden, "FORBIDDEN"},
		{"anonymous send", "POST", "/api/conversations/" + conv.ID + "/messages", "", `{"content":"x"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"empty content", "POST", "/api/conversations/" + conv.ID + "/messages", "alice", `{"content":"  "}`, http.StatusBadRequest, "EMPTY_MESSAGE"},
		{"outsider send", "POST", "/api/conversations/" + conv.ID + "/messages", "carol", `{"content":"x"}`, http.StatusForbidden, "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := r.do(t, tt.method, tt.path, tt.participant, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, res.OK)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
		})
	}
}

func TestInsertIsIdempotentOverHTTP(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	alice := r.client("alice")
	conv, err := alice.CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "t"})
	require.NoError(t, err)

	d := roomsync.Draft{ClientID: "local-1", ConversationID: conv.ID, SenderID: "alice", Content: "hi"}
	first, err := alice.Insert(ctx, d)
	require.NoError(t, err)
	again, err := alice.Insert(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	msgs, err := alice.Query(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestEditAndDeleteRequireSender(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	alice, bob := r.client("alice"), r.client("bob")
	conv, err := alice.CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "t"})
	require.NoError(t, err)
	m, err := alice.Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "alice", Content: "helo"})
	require.NoError(t, err)

	_, err = bob.EditMessage(ctx, conv.ID, m.ID, roomsync.EditMessageOptions{Content: "hijacked"})
	var apiErr *roomsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)

	edited, err := alice.EditMessage(ctx, conv.ID, m.ID, roomsync.EditMessageOptions{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)

	require.Error(t, bob.DeleteMessage(ctx, conv.ID, m.ID))
	require.NoError(t, alice.DeleteMessage(ctx, conv.ID, m.ID))
	msgs, err := alice.Query(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendIsRateLimited(t *testing.T) {
	r := newTestRelay(t, func(c *Config) {
		c.SendRate = 0.001
		c.SendBurst = 2
	})
	ctx := context.Background()
	alice := r.client("alice")
	conv, err := alice.CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "t"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := alice.Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "alice", Content: "x"})
		require.NoError(t, err)
	}
	_, err = alice.Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "alice", Content: "x"})
	var apiErr *roomsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "RATE_LIMITED", apiErr.Code)

	// Limits are per sender.
	_, err = r.client("bob").Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "bob", Content: "x"})
	require.NoError(t, err)
}

func TestSessionOverRelay(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	conv, err := r.client("alice").CreateConversation(ctx, roomsync.CreateConversationOptions{
		Title:   "pair",
		Members: []string{"bob"},
	})
	require.NoError(t, err)
	_, err = r.client("bob").Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "bob", Content: "earlier"})
	require.NoError(t, err)

	alice := r.session(t, "alice")
	require.NoError(t, alice.SelectConversation(ctx, conv.ID))
	assert.Equal(t, roomsync.SessionActive, alice.State())
	require.Len(t, alice.Messages(), 1)
	assert.Equal(t, "earlier", alice.Messages()[0].Content)

	bob := r.session(t, "bob")
	require.NoError(t, bob.SelectConversation(ctx, conv.ID))
	require.Eventually(t, func() bool { return r.following(conv.ID) == 2 }, eventually, 10*time.Millisecond)

	t.Run("presence", func(t *testing.T) {
		require.Eventually(t, func() bool { return alice.IsOnline("bob") }, eventually, 10*time.Millisecond)
		require.Eventually(t, func() bool { return bob.IsOnline("alice") }, eventually, 10*time.Millisecond)

		online, err := r.client("alice").Presence(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, online)
	})

	t.Run("send and echo", func(t *testing.T) {
		m, err := alice.Send(ctx, "hello bob")
		require.NoError(t, err)
		assert.False(t, m.Pending())

		require.Eventually(t, func() bool {
			msgs := bob.Messages()
			return len(msgs) == 2 && msgs[1].ID == m.ID
		}, eventually, 10*time.Millisecond)

		// The echo confirms the sent entry instead of duplicating it.
		time.Sleep(50 * time.Millisecond)
		msgs := alice.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, m.ID, msgs[1].ID)
		assert.False(t, msgs[1].Pending())
	})

	t.Run("typing", func(t *testing.T) {
		bob.InputChanged("h")
		require.Eventually(t, alice.IsTyping, eventually, 10*time.Millisecond)
		assert.False(t, bob.IsTyping())

		// Silence expires the indicator on the receiving side.
		require.Eventually(t, func() bool { return !alice.IsTyping() }, eventually, 20*time.Millisecond)
	})

	t.Run("leave", func(t *testing.T) {
		require.NoError(t, bob.Close())
		require.Eventually(t, func() bool { return !alice.IsOnline("bob") }, eventually, 10*time.Millisecond)
	})
}

func TestRealtimeRejectsOutsiders(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	conv, err := r.client("alice").CreateConversation(ctx, roomsync.CreateConversationOptions{
		Title:   "private",
		Members: []string{"alice"},
	})
	require.NoError(t, err)

	rt := r.realtime(t, "carol")
	errs := make(chan roomsync.RealtimeErrorPayload, 1)
	rt.OnError(func(p roomsync.RealtimeErrorPayload) { errs <- p })

	_, err = rt.Subscribe(ctx, conv.ID, roomsync.FeedFuncs{})
	require.NoError(t, err)

	select {
	case p := <-errs:
		assert.Equal(t, conv.ID, p.ConversationID)
		assert.Contains(t, p.Message, "not a member")
	case <-time.After(eventually):
		t.Fatal("no error event")
	}
	assert.Equal(t, 0, r.following(conv.ID))
}

func TestPing(t *testing.T) {
	r := newTestRelay(t)
	rt := r.realtime(t, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	pong, err := rt.Ping(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pong.RequestID)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()
	alice := r.client("alice")
	conv, err := alice.CreateConversation(ctx, roomsync.CreateConversationOptions{Title: "t"})
	require.NoError(t, err)
	_, err = alice.Insert(ctx, roomsync.Draft{ConversationID: conv.ID, SenderID: "alice", Content: "x"})
	require.NoError(t, err)

	resp, err := http.Get(r.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `roomsync_message_events_total{type="message.insert"} 1`)
	assert.Contains(t, text, `route="/api/conversations/{conversation}/messages"`)
	assert.Contains(t, text, "roomsync_ws_connections 0")
}
