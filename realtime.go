package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Server event types.
const (
	EventAuthenticated = "authenticated"
	EventMessageInsert = "message.insert"
	EventMessageUpdate = "message.update"
	EventMessageDelete = "message.delete"
	EventPresenceSync  = "presence.sync"
	EventPresenceJoin  = "presence.join"
	EventPresenceLeave = "presence.leave"
	EventBroadcast     = "broadcast"
	EventPong          = "pong"
	EventError         = "error"
)

// Client command types.
const (
	CommandFeedSubscribe   = "feed.subscribe"
	CommandFeedUnsubscribe = "feed.unsubscribe"
	CommandPresenceJoin    = "presence.join"
	CommandPresenceLeave   = "presence.leave"
	CommandBroadcast       = "broadcast"
	CommandPing            = "ping"
)

// AuthenticatedPayload is the first frame of every connection.
type AuthenticatedPayload struct {
	ParticipantID string `json:"participantId"`
}

// DeletePayload identifies a deleted message.
type DeletePayload struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
}

// PresenceSyncPayload carries the full member list of a conversation.
type PresenceSyncPayload struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
}

// PresenceChangePayload carries a single join or leave.
type PresenceChangePayload struct {
	ConversationID string `json:"conversationId"`
	ParticipantID  string `json:"participantId"`
}

// BroadcastPayload is an ephemeral event relayed to the other members.
type BroadcastPayload struct {
	ConversationID string          `json:"conversationId"`
	Event          string          `json:"event"`
	From           string          `json:"from,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ConversationPayload names a conversation in feed and presence commands.
type ConversationPayload struct {
	ConversationID string       `json:"conversationId"`
	Participant    *Participant `json:"participant,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	ParticipantID        string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher fans connection-level events out to registered callbacks.
// Callbacks run on their own goroutines and carry no ordering guarantee;
// per-conversation events go through subscriptions instead.
type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case EventError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a websocket connection to a relay with heartbeat and
// optional auto-reconnect. It implements ChangeFeed and PresenceChannel by
// multiplexing per-conversation subscriptions over the single connection.
//
// Subscription handlers run on the read goroutine, in wire order. When the
// connection is lost every subscription receives OnDrop and is discarded;
// reconnecting does not restore them.
type RealtimeClient struct {
	url              string
	config           *RealtimeConfig
	log              *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	backoff          *Backoff
	cancelFn         context.CancelFunc
	pingCounter      atomic.Uint64
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex

	subsMu sync.Mutex
	feeds  map[string]map[*wsFeedSub]struct{}
	rooms  map[string]*wsPresenceSub
}

func newRealtimeClient(url string, cfg *RealtimeConfig) *RealtimeClient {
	return &RealtimeClient{
		url:          url,
		config:       cfg,
		log:          cfg.Logger,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		backoff:      NewBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		pendingPings: make(map[string]chan PongPayload),
		feeds:        make(map[string]map[*wsFeedSub]struct{}),
		rooms:        make(map[string]*wsPresenceSub),
	}
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the websocket connection and waits for the
// authenticated frame.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	fail := func(err error) error {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read auth message: %w", err))
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.backoff.MarkConnected()
	ws.log.Info("realtime_connected", slog.String("url", ws.url))

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Live subscriptions receive
// OnDrop with ErrNotConnected.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.dropAll(ErrNotConnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Send sends a raw command over the websocket.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ============================================================================
// ChangeFeed & PresenceChannel
// ============================================================================

type wsFeedSub struct {
	ws             *RealtimeClient
	conversationID string
	h              FeedHandler
	once           sync.Once
}

// Subscribe opens the change feed of conversationID.
func (ws *RealtimeClient) Subscribe(ctx context.Context, conversationID string, h FeedHandler) (Subscription, error) {
	sub := &wsFeedSub{ws: ws, conversationID: conversationID, h: h}

	ws.subsMu.Lock()
	first := len(ws.feeds[conversationID]) == 0
	if ws.feeds[conversationID] == nil {
		ws.feeds[conversationID] = make(map[*wsFeedSub]struct{})
	}
	ws.feeds[conversationID][sub] = struct{}{}
	ws.subsMu.Unlock()

	if first {
		err := ws.Send(ctx, &RealtimeCommand{
			Type:    CommandFeedSubscribe,
			Payload: ConversationPayload{ConversationID: conversationID},
		})
		if err != nil {
			ws.removeFeed(sub)
			return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
		}
	}
	return sub, nil
}

func (s *wsFeedSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if !s.ws.removeFeed(s) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.ws.config.PingTimeout)
		defer cancel()
		err = s.ws.Send(ctx, &RealtimeCommand{
			Type:    CommandFeedUnsubscribe,
			Payload: ConversationPayload{ConversationID: s.conversationID},
		})
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	})
	return err
}

// removeFeed unregisters sub and reports whether it was the last one.
func (ws *RealtimeClient) removeFeed(sub *wsFeedSub) bool {
	ws.subsMu.Lock()
	defer ws.subsMu.Unlock()
	subs, ok := ws.feeds[sub.conversationID]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(ws.feeds, sub.conversationID)
		return true
	}
	return false
}

type wsPresenceSub struct {
	ws             *RealtimeClient
	conversationID string
	h              PresenceHandler
	once           sync.Once
}

// Join enters the presence channel of conversationID. Only one join per
// conversation is allowed per connection.
func (ws *RealtimeClient) Join(ctx context.Context, conversationID string, self Participant, h PresenceHandler) (PresenceSubscription, error) {
	sub := &wsPresenceSub{ws: ws, conversationID: conversationID, h: h}

	ws.subsMu.Lock()
	if _, ok := ws.rooms[conversationID]; ok {
		ws.subsMu.Unlock()
		return nil, fmt.Errorf("join %s: already joined", conversationID)
	}
	ws.rooms[conversationID] = sub
	ws.subsMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    CommandPresenceJoin,
		Payload: ConversationPayload{ConversationID: conversationID, Participant: &self},
	})
	if err != nil {
		ws.removeRoom(sub)
		return nil, fmt.Errorf("join %s: %w", conversationID, err)
	}
	return sub, nil
}

func (s *wsPresenceSub) Broadcast(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return s.ws.Send(ctx, &RealtimeCommand{
		Type: CommandBroadcast,
		Payload: BroadcastPayload{
			ConversationID: s.conversationID,
			Event:          event,
			Payload:        raw,
		},
	})
}

func (s *wsPresenceSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if !s.ws.removeRoom(s) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.ws.config.PingTimeout)
		defer cancel()
		err = s.ws.Send(ctx, &RealtimeCommand{
			Type:    CommandPresenceLeave,
			Payload: ConversationPayload{ConversationID: s.conversationID},
		})
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	})
	return err
}

func (ws *RealtimeClient) removeRoom(sub *wsPresenceSub) bool {
	ws.subsMu.Lock()
	defer ws.subsMu.Unlock()
	if ws.rooms[sub.conversationID] != sub {
		return false
	}
	delete(ws.rooms, sub.conversationID)
	return true
}

// dropAll discards every subscription and reports err to its handler.
func (ws *RealtimeClient) dropAll(err error) {
	ws.subsMu.Lock()
	var feeds []*wsFeedSub
	for _, subs := range ws.feeds {
		for s := range subs {
			feeds = append(feeds, s)
		}
	}
	var rooms []*wsPresenceSub
	for _, s := range ws.rooms {
		rooms = append(rooms, s)
	}
	ws.feeds = make(map[string]map[*wsFeedSub]struct{})
	ws.rooms = make(map[string]*wsPresenceSub)
	ws.subsMu.Unlock()

	for _, s := range feeds {
		s.once.Do(func() {})
		s.h.OnDrop(err)
	}
	for _, s := range rooms {
		s.once.Do(func() {})
		s.h.OnDrop(err)
	}
}

func (ws *RealtimeClient) feedHandlers(conversationID string) []FeedHandler {
	ws.subsMu.Lock()
	defer ws.subsMu.Unlock()
	out := make([]FeedHandler, 0, len(ws.feeds[conversationID]))
	for s := range ws.feeds[conversationID] {
		out = append(out, s.h)
	}
	return out
}

func (ws *RealtimeClient) roomHandler(conversationID string) PresenceHandler {
	ws.subsMu.Lock()
	defer ws.subsMu.Unlock()
	if s := ws.rooms[conversationID]; s != nil {
		return s.h
	}
	return nil
}

// route delivers per-conversation events to their subscriptions.
func (ws *RealtimeClient) route(env RealtimeEnvelope) {
	switch env.Type {
	case EventMessageInsert, EventMessageUpdate:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			ws.log.Debug("bad_message_event", slog.String("type", env.Type), slog.Any("error", err))
			return
		}
		for _, h := range ws.feedHandlers(m.ConversationID) {
			if env.Type == EventMessageInsert {
				h.OnInsert(m)
			} else {
				h.OnUpdate(m)
			}
		}
	case EventMessageDelete:
		var p DeletePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		for _, h := range ws.feedHandlers(p.ConversationID) {
			h.OnDelete(p.ID)
		}
	case EventPresenceSync:
		var p PresenceSyncPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if h := ws.roomHandler(p.ConversationID); h != nil {
			h.OnSync(p.Participants)
		}
	case EventPresenceJoin, EventPresenceLeave:
		var p PresenceChangePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if h := ws.roomHandler(p.ConversationID); h != nil {
			if env.Type == EventPresenceJoin {
				h.OnJoin(p.ParticipantID)
			} else {
				h.OnLeave(p.ParticipantID)
			}
		}
	case EventBroadcast:
		var p BroadcastPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		if h := ws.roomHandler(p.ConversationID); h != nil {
			h.OnBroadcast(p.Event, p.Payload)
		}
	}
}

// ============================================================================
// Loops
// ============================================================================

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.log.Warn("realtime_disconnected", slog.Any("error", err))
			ws.clearPendingPings()
			ws.dropAll(err)
			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		ws.route(env)
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			s := ws.state
			ws.mu.Unlock()
			if s != StateConnected {
				return
			}

			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so readLoop reports the drop.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect() {
	for {
		delay, ok := ws.backoff.Next()
		if !ok {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
			return
		}
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.dispatcher.emitReconnecting(ws.backoff.Attempt(), delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), ws.config.ReconnectMaxDelay)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Debug("realtime_reconnect_failed", slog.Any("error", err))
	}
}

func (ws *RealtimeClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
