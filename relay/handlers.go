package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Prismer-AI/roomsync"
)

const maxBodyBytes = 1 << 20

// ============================================================================
// Envelope helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to encode response")
		return
	}
	writeJSON(w, status, roomsync.Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, roomsync.Result{Error: &roomsync.APIError{Code: code, Message: message}})
}

// writeStoreError maps store errors to envelope errors.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not a member of this conversation")
	default:
		s.log.Error("store_error", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func caller(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(roomsync.ParticipantHeader))
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountConversations(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, roomsync.HealthData{
		Status:        "ok",
		Conversations: n,
		Connections:   s.hub.connections(),
	})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	participant := mux.Vars(r)["participant"]
	convs, err := s.store.ListConversations(r.Context(), participant)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if convs == nil {
		convs = []roomsync.Conversation{}
	}
	writeData(w, http.StatusOK, convs)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var opts roomsync.CreateConversationOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if strings.TrimSpace(opts.Title) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "title is required")
		return
	}
	if who := caller(r); who != "" && len(opts.Members) > 0 {
		opts.Members = append(opts.Members, who)
	}
	c, err := s.store.CreateConversation(r.Context(), opts)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("conversation_created", slog.String("conversation", c.ID), slog.Int("members", len(c.Members)))
	writeData(w, http.StatusCreated, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conversation"]
	if err := s.authorize(r, conv); err != nil {
		s.writeStoreError(w, err)
		return
	}
	msgs, err := s.store.Query(r.Context(), conv)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, msgs)
}

// listPresence returns the participants currently joined to a conversation.
func (s *Server) listPresence(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conversation"]
	if err := s.authorize(r, conv); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, s.hub.online(conv))
}

func (s *Server) insertMessage(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conversation"]
	var d roomsync.Draft
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if d.ConversationID != "" && d.ConversationID != conv {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "conversationId does not match path")
		return
	}
	d.ConversationID = conv
	if who := caller(r); who != "" {
		if d.SenderID != "" && d.SenderID != who {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "senderId does not match caller")
			return
		}
		d.SenderID = who
	}
	if d.SenderID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "senderId is required")
		return
	}
	if strings.TrimSpace(d.Content) == "" {
		writeError(w, http.StatusBadRequest, "EMPTY_MESSAGE", "content is required")
		return
	}
	if err := s.store.CanAccess(r.Context(), conv, d.SenderID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !s.limits.Allow(d.SenderID) {
		s.metrics.rateLimited.Inc()
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many messages")
		return
	}

	m, created, err := s.store.Insert(r.Context(), d)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if created {
		s.publish(r.Context(), conv, roomsync.EventMessageInsert, m)
		writeData(w, http.StatusCreated, m)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conv, id := vars["conversation"], vars["message"]
	var opts roomsync.EditMessageOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if strings.TrimSpace(opts.Content) == "" {
		writeError(w, http.StatusBadRequest, "EMPTY_MESSAGE", "content is required")
		return
	}
	if err := s.authorizeSender(r, conv, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	m, err := s.store.Edit(r.Context(), conv, id, opts.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(r.Context(), conv, roomsync.EventMessageUpdate, m)
	writeData(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	conv, id := vars["conversation"], vars["message"]
	if err := s.authorizeSender(r, conv, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), conv, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publish(r.Context(), conv, roomsync.EventMessageDelete, roomsync.DeletePayload{ConversationID: conv, ID: id})
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

// authorize checks that the caller, if named, may access conv.
func (s *Server) authorize(r *http.Request, conv string) error {
	who := caller(r)
	if who == "" {
		_, err := s.store.Conversation(r.Context(), conv)
		return err
	}
	return s.store.CanAccess(r.Context(), conv, who)
}

// authorizeSender checks that the caller wrote message id.
func (s *Server) authorizeSender(r *http.Request, conv, id string) error {
	who := caller(r)
	if who == "" {
		return ErrForbidden
	}
	m, err := s.store.Message(r.Context(), conv, id)
	if err != nil {
		return err
	}
	if m.SenderID != who {
		return ErrForbidden
	}
	return nil
}
