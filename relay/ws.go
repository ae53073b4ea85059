package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/Prismer-AI/roomsync"
)

const readLimit = 64 << 10

// inboundCommand is a RealtimeCommand as read off the wire.
type inboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// serveWS upgrades the request and runs the command loop for one participant.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	participant := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participant == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "participant is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Warn("ws_accept_failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{participant: participant, conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.add(c)
	defer s.hub.remove(c)
	go writeLoop(c, s.cfg.WriteTimeout)

	s.hub.send(c, roomsync.EventAuthenticated, roomsync.AuthenticatedPayload{ParticipantID: participant})
	s.log.Info("ws_connected", slog.String("participant", participant))

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.log.Debug("ws_read_ended", slog.String("participant", participant), slog.Any("error", err))
			}
			s.log.Info("ws_disconnected", slog.String("participant", participant))
			return
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.hub.send(c, roomsync.EventError, roomsync.RealtimeErrorPayload{Message: "invalid command"})
			continue
		}
		s.handleCommand(ctx, c, cmd)
	}
}

func (s *Server) handleCommand(ctx context.Context, c *client, cmd inboundCommand) {
	switch cmd.Type {
	case roomsync.CommandPing:
		s.hub.send(c, roomsync.EventPong, roomsync.PongPayload{RequestID: cmd.RequestID})

	case roomsync.CommandFeedSubscribe, roomsync.CommandPresenceJoin:
		var p roomsync.ConversationPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.ConversationID == "" {
			s.commandError(c, "", cmd.Type+": conversationId is required")
			return
		}
		if err := s.store.CanAccess(ctx, p.ConversationID, c.participant); err != nil {
			s.commandError(c, p.ConversationID, cmd.Type+": "+accessMessage(err))
			return
		}
		if cmd.Type == roomsync.CommandFeedSubscribe {
			s.hub.subscribe(p.ConversationID, c)
		} else {
			s.hub.join(p.ConversationID, c)
		}

	case roomsync.CommandFeedUnsubscribe, roomsync.CommandPresenceLeave:
		var p roomsync.ConversationPayload
		if json.Unmarshal(cmd.Payload, &p) != nil {
			return
		}
		if cmd.Type == roomsync.CommandFeedUnsubscribe {
			s.hub.unsubscribe(p.ConversationID, c)
		} else {
			s.hub.leave(p.ConversationID, c)
		}

	case roomsync.CommandBroadcast:
		var p roomsync.BroadcastPayload
		if json.Unmarshal(cmd.Payload, &p) != nil || p.Event == "" {
			s.commandError(c, "", "broadcast: event is required")
			return
		}
		if !s.hub.joined(p.ConversationID, c) {
			s.commandError(c, p.ConversationID, "broadcast: not joined")
			return
		}
		s.hub.broadcast(c, p)
		s.metrics.broadcasts.Inc()

	default:
		s.commandError(c, "", "unknown command: "+cmd.Type)
	}
}

func (s *Server) commandError(c *client, conv, msg string) {
	s.log.Debug("ws_command_rejected", slog.String("participant", c.participant), slog.String("reason", msg))
	s.hub.send(c, roomsync.EventError, roomsync.RealtimeErrorPayload{ConversationID: conv, Message: msg})
}

func accessMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "conversation not found"
	case errors.Is(err, ErrForbidden):
		return "not a member"
	default:
		return "unavailable"
	}
}
