// Package roomsync keeps the message list, presence and typing state of one
// active chat conversation consistent with a remote message store and its
// realtime change feed.
//
// Example:
//
//	client := roomsync.NewClient(roomsync.WithBaseURL("http://localhost:8787"))
//	rt := client.Realtime(&roomsync.RealtimeConfig{ParticipantID: "alice"})
//	if err := rt.Connect(ctx); err != nil { ... }
//
//	session, _ := roomsync.NewSession(roomsync.SessionConfig{
//		Self:      roomsync.Participant{ID: "alice"},
//		Store:     client,
//		Directory: client,
//		Feed:      rt,
//		Presence:  rt,
//	})
//	session.SelectConversation(ctx, "conv-123")
//	session.Send(ctx, "hello")
package roomsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8787"
	DefaultTimeout = 30 * time.Second
)

// ParticipantHeader identifies the caller on REST requests.
const ParticipantHeader = "X-Participant-ID"

// ============================================================================
// Client
// ============================================================================

// Client talks to a relay over HTTP. It implements MessageStore and Directory.
type Client struct {
	token         string
	baseURL       string
	participantID string
	httpClient    *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithParticipant sets the participant id sent in ParticipantHeader.
func WithParticipant(id string) ClientOption {
	return func(c *Client) { c.participantID = id }
}

// NewClient creates a relay client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the relay base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.participantID != "" {
		req.Header.Set(ParticipantHeader, c.participantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 && !json.Valid(data) {
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// call performs a request and decodes the envelope's data into T. A
// not-ok envelope is returned as its *APIError.
func call[T any](ctx context.Context, c *Client, method, path string, body interface{}) (*T, error) {
	res, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request failed"}
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Relay API
// ============================================================================

// Health checks relay health.
func (c *Client) Health(ctx context.Context) (*HealthData, error) {
	return call[HealthData](ctx, c, "GET", "/api/health", nil)
}

// ListConversations returns the conversations participantID belongs to.
func (c *Client) ListConversations(ctx context.Context, participantID string) ([]Conversation, error) {
	out, err := call[[]Conversation](ctx, c, "GET", "/api/participants/"+url.PathEscape(participantID)+"/conversations", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// CreateConversation creates a conversation.
func (c *Client) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	return call[Conversation](ctx, c, "POST", "/api/conversations", opts)
}

// Query returns the history of conversationID.
func (c *Client) Query(ctx context.Context, conversationID string) ([]Message, error) {
	out, err := call[[]Message](ctx, c, "GET", messagesPath(conversationID), nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Presence returns the participants currently joined to conversationID.
func (c *Client) Presence(ctx context.Context, conversationID string) ([]string, error) {
	out, err := call[[]string](ctx, c, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/presence", nil)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Insert stores a draft and returns the stored message.
func (c *Client) Insert(ctx context.Context, d Draft) (*Message, error) {
	if d.ConversationID == "" {
		return nil, ErrNoConversation
	}
	return call[Message](ctx, c, "POST", messagesPath(d.ConversationID), d)
}

// EditMessage replaces the content of a message.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID string, opts EditMessageOptions) (*Message, error) {
	return call[Message](ctx, c, "PATCH", messagesPath(conversationID)+"/"+url.PathEscape(messageID), opts)
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := call[json.RawMessage](ctx, c, "DELETE", messagesPath(conversationID)+"/"+url.PathEscape(messageID), nil)
	return err
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// ============================================================================
// Realtime factory
// ============================================================================

// WSUrl returns the websocket URL for participantID.
func (c *Client) WSUrl(participantID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("participant", participantID)
	if c.token != "" {
		q.Set("token", c.token)
	}
	return base + "/ws?" + q.Encode()
}

// Realtime creates a websocket client for the relay. Call Connect to
// establish the connection.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = c.participantID
	}
	cfg.defaults()
	return newRealtimeClient(c.WSUrl(cfg.ParticipantID), &cfg)
}
