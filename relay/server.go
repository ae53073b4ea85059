// Package relay is a reference backend for roomsync clients: a SQLite message
// store behind a JSON API, and a websocket endpoint that fans change events,
// presence and broadcasts out to connected participants.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// Publisher forwards change events to an external bus.
type Publisher interface {
	PublishChange(ctx context.Context, conversationID, eventType string, payload any) error
}

// Config configures a Server.
type Config struct {
	Addr           string
	Logger         *slog.Logger
	SendRate       float64 // messages per second per participant
	SendBurst      int
	WriteTimeout   time.Duration
	OriginPatterns []string
	// Publishers receive every change event after the websocket fan-out.
	Publishers []Publisher
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = "localhost:8787"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Server serves the relay API.
type Server struct {
	cfg     Config
	log     *slog.Logger
	store   *SQLStore
	hub     *hub
	limits  *limiterPool
	metrics *metrics
	router  *mux.Router
}

// NewServer creates a server backed by store.
func NewServer(store *SQLStore, config *Config) *Server {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		store:  store,
		hub:    newHub(cfg.Logger),
		limits: newLimiterPool(cfg.SendRate, cfg.SendBurst),
	}
	s.metrics = newMetrics(func() float64 { return float64(s.hub.connections()) })
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	api.Methods(http.MethodGet).Path("/participants/{participant}/conversations").HandlerFunc(s.listConversations)
	api.Methods(http.MethodPost).Path("/conversations").HandlerFunc(s.createConversation)
	api.Methods(http.MethodGet).Path("/conversations/{conversation}/presence").HandlerFunc(s.listPresence)
	api.Methods(http.MethodGet).Path("/conversations/{conversation}/messages").HandlerFunc(s.listMessages)
	api.Methods(http.MethodPost).Path("/conversations/{conversation}/messages").HandlerFunc(s.insertMessage)
	api.Methods(http.MethodPatch).Path("/conversations/{conversation}/messages/{message}").HandlerFunc(s.editMessage)
	api.Methods(http.MethodDelete).Path("/conversations/{conversation}/messages/{message}").HandlerFunc(s.deleteMessage)
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})

	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWS)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.handler())
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.cfg.Addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Info("relay_listening", slog.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Info("relay_shutting_down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Inc()
		s.log.Debug("handled",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", m.Code),
			slog.Duration("duration", m.Duration),
		)
	})
}

func (s *Server) publish(ctx context.Context, conv, eventType string, payload any) {
	s.hub.publish(conv, eventType, payload)
	s.metrics.messages.WithLabelValues(eventType).Inc()
	for _, p := range s.cfg.Publishers {
		if err := p.PublishChange(ctx, conv, eventType, payload); err != nil {
			s.metrics.publishErrs.Inc()
			s.log.Warn("publish_change_failed", slog.String("conversation", conv), slog.String("type", eventType), slog.Any("error", err))
		}
	}
}
