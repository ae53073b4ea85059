// Package natsbus carries roomsync change feeds, presence and broadcasts over
// NATS. Change events live on a JetStream stream, presence in a key-value
// bucket and broadcasts on plain core subjects.
//
// A relay publishes with Bus.PublishChange; clients read through Bus.Feed and
// Bus.Presence, which implement roomsync.ChangeFeed and
// roomsync.PresenceChannel.
package natsbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Prismer-AI/roomsync"
)

const (
	DefaultStream      = "ROOMSYNC"
	DefaultBucket      = "roomsync_presence"
	DefaultPrefix      = "roomsync"
	DefaultLookback    = 30 * time.Second
	DefaultPresenceTTL = time.Minute
)

// Config configures a Bus.
type Config struct {
	URL    string
	Name   string
	Stream string
	Bucket string
	Prefix string // subject prefix

	// Lookback is how far back a new feed subscription replays change events,
	// covering changes made between a history load and the subscription.
	Lookback time.Duration
	// PresenceTTL bounds how long a presence entry outlives a crashed
	// client. Live entries are refreshed at a third of it.
	PresenceTTL time.Duration
	MaxAge      time.Duration // change stream retention
	Storage     jetstream.StorageType
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "roomsync"
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Bucket == "" {
		c.Bucket = DefaultBucket
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = DefaultPresenceTTL
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Bus is a NATS connection with the roomsync stream and bucket provisioned.
type Bus struct {
	cfg    Config
	log    *slog.Logger
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	ownsNC bool
}

// Connect dials NATS and provisions the stream and bucket.
func Connect(ctx context.Context, config *Config) (*Bus, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	log := cfg.Logger
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats_disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats_reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b, err := newBus(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsNC = true
	return b, nil
}

// New provisions the stream and bucket on an existing connection. Close
// leaves nc open.
func New(ctx context.Context, nc *nats.Conn, config *Config) (*Bus, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return newBus(ctx, nc, cfg)
}

func newBus(ctx context.Context, nc *nats.Conn, cfg Config) (*Bus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "roomsync change events",
		Subjects:    []string{cfg.Prefix + ".changes.>"},
		MaxAge:      cfg.MaxAge,
		Storage:     cfg.Storage,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision stream %q: %w", cfg.Stream, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "roomsync presence",
		History:     1,
		TTL:         cfg.PresenceTTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision bucket %q: %w", cfg.Bucket, err)
	}

	cfg.Logger.Info("nats_bus_ready",
		slog.String("url", nc.ConnectedUrl()),
		slog.String("stream", cfg.Stream),
		slog.String("bucket", cfg.Bucket),
	)
	return &Bus{cfg: cfg, log: cfg.Logger, nc: nc, js: js, kv: kv}, nil
}

// Close drains the connection if the bus opened it.
func (b *Bus) Close() error {
	if !b.ownsNC {
		return nil
	}
	return b.nc.Drain()
}

// Feed returns the change feed side of the bus.
func (b *Bus) Feed() *Feed {
	return &Feed{bus: b}
}

// Presence returns the presence side of the bus.
func (b *Bus) Presence() *Presence {
	return &Presence{bus: b}
}

// PublishChange appends a change event to the conversation's subject. Inserts
// carry a message id so a retried publish is stored once.
func (b *Bus) PublishChange(ctx context.Context, conversationID, eventType string, payload any) error {
	subject, err := b.subject("changes", conversationID)
	if err != nil {
		return err
	}
	data, err := encodeEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	var opts []jetstream.PublishOpt
	if m, ok := payload.(*roomsync.Message); ok && eventType == roomsync.EventMessageInsert {
		opts = append(opts, jetstream.WithMsgID(eventType+":"+m.ID))
	}
	if _, err := b.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", subject, err)
	}
	return nil
}

// ── Naming ───────────────────────────────────────────────

var errInvalidToken = errors.New("natsbus: id is not a valid subject token")

// subject builds <prefix>.<kind>.<conversationID>.
func (b *Bus) subject(kind, conversationID string) (string, error) {
	if !validToken(conversationID) {
		return "", fmt.Errorf("%w: %q", errInvalidToken, conversationID)
	}
	return b.cfg.Prefix + "." + kind + "." + conversationID, nil
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".*> \t\r\n")
}

// presenceKey builds <conversation>.<participant>. Both ids are encoded
// since KV keys allow a narrow character set.
func presenceKey(conversationID, participantID string) string {
	return presencePrefix(conversationID) + "." + encodeKeyToken(participantID)
}

func presencePrefix(conversationID string) string {
	return encodeKeyToken(conversationID)
}

func encodeKeyToken(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// participantFromKey is the inverse of presenceKey.
func participantFromKey(key string) (string, bool) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(key[i+1:])
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

func encodeEnvelope(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(roomsync.RealtimeEnvelope{Type: eventType, Payload: raw})
}
