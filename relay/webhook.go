package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Prismer-AI/roomsync"
)

// ErrWebhookQueueFull is returned by PublishChange when the delivery queue
// is at capacity. The event is not delivered.
var ErrWebhookQueueFull = errors.New("webhook queue full")

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL         string
	Secret      string
	Logger      *slog.Logger
	HTTPClient  *http.Client
	QueueSize   int
	MaxRetries  int // per event; zero means 4
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

func (c *WebhookConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 4
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Webhook POSTs signed change events to an HTTP endpoint. Events are queued
// and delivered in publish order by one background goroutine.
type Webhook struct {
	cfg   WebhookConfig
	log   *slog.Logger
	queue chan []byte

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWebhook starts a webhook publisher.
func NewWebhook(config *WebhookConfig) (*Webhook, error) {
	var cfg WebhookConfig
	if config != nil {
		cfg = *config
	}
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("webhook", cfg.URL)),
		queue:  make(chan []byte, cfg.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// PublishChange implements Publisher.
func (w *Webhook) PublishChange(_ context.Context, conversationID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	body, err := json.Marshal(roomsync.WebhookPayload{
		Source:         roomsync.WebhookSource,
		Event:          eventType,
		Timestamp:      time.Now().UnixMilli(),
		ConversationID: conversationID,
		Data:           data,
	})
	if err != nil {
		return fmt.Errorf("webhook: encode body: %w", err)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.New("webhook closed")
	}
	select {
	case w.queue <- body:
		return nil
	default:
		return ErrWebhookQueueFull
	}
}

// Close delivers what is already queued, waiting at most until ctx is done.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func (w *Webhook) run(ctx context.Context) {
	defer close(w.done)
	backoff := roomsync.NewBackoff(w.cfg.MinBackoff, w.cfg.MaxBackoff, w.cfg.MaxRetries)
	for body := range w.queue {
		if ctx.Err() != nil {
			continue
		}
		err := backoff.Retry(ctx, func(ctx context.Context) error {
			return w.deliver(ctx, body)
		}, func(attempt int, delay time.Duration, err error) {
			w.log.Debug("webhook_retry", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
		})
		backoff.Reset()
		if err != nil {
			w.log.Warn("webhook_delivery_failed", slog.Any("error", err))
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return roomsync.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(roomsync.WebhookSignatureHeader, roomsync.SignWebhook(body, w.cfg.Secret))

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		// Other 4xx responses are final.
		return roomsync.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
	}
}
