package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/Prismer-AI/roomsync"
)

const sendBuffer = 64

// client is one websocket connection.
type client struct {
	participant string
	conn        *websocket.Conn
	send        chan []byte
	closed      bool // guarded by hub.mu
}

// hub tracks which connections follow which conversation feeds and which
// participants are present in which rooms.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	feeds   map[string]map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[*client]struct{}),
		feeds:   make(map[string]map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// remove drops c from every feed and room and closes its send queue.
func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	for conv, subs := range h.feeds {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.feeds, conv)
		}
	}
	for conv := range h.rooms {
		h.leaveLocked(conv, c)
	}
	delete(h.clients, c)
	c.closed = true
	close(c.send)
}

// ── Feeds ────────────────────────────────────────────────

func (h *hub) subscribe(conv string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[conv] == nil {
		h.feeds[conv] = make(map[*client]struct{})
	}
	h.feeds[conv][c] = struct{}{}
}

func (h *hub) unsubscribe(conv string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.feeds[conv], c)
	if len(h.feeds[conv]) == 0 {
		delete(h.feeds, conv)
	}
}

// publish sends a change event to every feed subscriber of conv.
func (h *hub) publish(conv, eventType string, payload any) {
	data, err := envelope(eventType, payload)
	if err != nil {
		h.log.Error("encode_event_failed", slog.String("type", eventType), slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.feeds[conv] {
		h.enqueueLocked(c, data)
	}
}

// ── Presence ─────────────────────────────────────────────

func (h *hub) join(conv string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[conv] == nil {
		h.rooms[conv] = make(map[*client]struct{})
	}
	if _, ok := h.rooms[conv][c]; ok {
		return
	}
	wasPresent := h.presentLocked(conv, c.participant)
	h.rooms[conv][c] = struct{}{}

	snapshot, _ := envelope(roomsync.EventPresenceSync, roomsync.PresenceSyncPayload{
		ConversationID: conv,
		Participants:   h.membersLocked(conv),
	})
	h.enqueueLocked(c, snapshot)

	if wasPresent {
		return
	}
	joined, _ := envelope(roomsync.EventPresenceJoin, roomsync.PresenceChangePayload{ConversationID: conv, ParticipantID: c.participant})
	for o := range h.rooms[conv] {
		if o != c {
			h.enqueueLocked(o, joined)
		}
	}
}

func (h *hub) leave(conv string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conv, c)
}

func (h *hub) leaveLocked(conv string, c *client) {
	room := h.rooms[conv]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conv)
		return
	}
	if h.presentLocked(conv, c.participant) {
		return
	}
	left, _ := envelope(roomsync.EventPresenceLeave, roomsync.PresenceChangePayload{ConversationID: conv, ParticipantID: c.participant})
	for o := range room {
		h.enqueueLocked(o, left)
	}
}

func (h *hub) joined(conv string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[conv][c]
	return ok
}

// broadcast relays an ephemeral event to the other members of conv.
func (h *hub) broadcast(c *client, p roomsync.BroadcastPayload) {
	p.From = c.participant
	data, err := envelope(roomsync.EventBroadcast, p)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.rooms[p.ConversationID] {
		if o != c {
			h.enqueueLocked(o, data)
		}
	}
}

func (h *hub) online(conv string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked(conv)
}

func (h *hub) presentLocked(conv, participant string) bool {
	for o := range h.rooms[conv] {
		if o.participant == participant {
			return true
		}
	}
	return false
}

func (h *hub) membersLocked(conv string) []string {
	seen := make(map[string]struct{})
	ids := []string{}
	for o := range h.rooms[conv] {
		if _, ok := seen[o.participant]; ok {
			continue
		}
		seen[o.participant] = struct{}{}
		ids = append(ids, o.participant)
	}
	sort.Strings(ids)
	return ids
}

// ── Delivery ─────────────────────────────────────────────

// send queues a frame for a single connection.
func (h *hub) send(c *client, eventType string, payload any) {
	data, err := envelope(eventType, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(c, data)
}

// enqueueLocked never blocks. A connection whose queue is full is closed.
func (h *hub) enqueueLocked(c *client, data []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("slow_consumer_dropped", slog.String("participant", c.participant))
		go c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

// writeLoop drains c.send until remove closes it.
func writeLoop(c *client, timeout time.Duration) {
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.conn.Close(websocket.StatusInternalError, "write failed")
			for range c.send {
			}
			return
		}
	}
}

func envelope(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(roomsync.RealtimeEnvelope{Type: eventType, Payload: raw})
}
