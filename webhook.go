package roomsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WebhookSignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const WebhookSignatureHeader = "X-Roomsync-Signature"

// WebhookSource identifies payloads sent by a roomsync relay.
const WebhookSource = "roomsync"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body a relay POSTs to a webhook endpoint for each
// change event. Data holds the same payload the change feed carries: a
// Message for inserts and updates, a DeletePayload for deletes.
type WebhookPayload struct {
	Source         string          `json:"source"`
	Event          string          `json:"event"`
	Timestamp      int64           `json:"timestamp"` // unix milliseconds
	ConversationID string          `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
}

// Message decodes Data for message.insert and message.update events.
func (p *WebhookPayload) Message() (*Message, error) {
	if p.Event != EventMessageInsert && p.Event != EventMessageUpdate {
		return nil, fmt.Errorf("webhook event %q carries no message", p.Event)
	}
	var m Message
	if err := json.Unmarshal(p.Data, &m); err != nil {
		return nil, fmt.Errorf("invalid message in webhook payload: %w", err)
	}
	return &m, nil
}

// Deleted decodes Data for message.delete events.
func (p *WebhookPayload) Deleted() (*DeletePayload, error) {
	if p.Event != EventMessageDelete {
		return nil, fmt.Errorf("webhook event %q is not a delete", p.Event)
	}
	var d DeletePayload
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, fmt.Errorf("invalid delete in webhook payload: %w", err)
	}
	return &d, nil
}

// WebhookHandlerFunc handles one verified webhook payload.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Signing
// ============================================================================

// SignWebhook returns the signature header value for body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignWebhook(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload decodes and validates a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %q", payload.Source)
	}
	switch payload.Event {
	case EventMessageInsert, EventMessageUpdate, EventMessageDelete:
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event: %q", payload.Event)
	}
	if payload.ConversationID == "" || len(payload.Data) == 0 {
		return nil, fmt.Errorf("missing required fields in webhook payload (conversationId, data)")
	}
	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver verifies, parses and dispatches relay webhooks.
type WebhookReceiver struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewWebhookReceiver creates a receiver for webhooks signed with secret.
func NewWebhookReceiver(secret string, onEvent WebhookHandlerFunc) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &WebhookReceiver{secret: secret, onEvent: onEvent}, nil
}

// Handle processes one request body and returns the status code and response
// body for the caller to write.
func (w *WebhookReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := w.onEvent(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
//
//	rcv, _ := roomsync.NewWebhookReceiver(secret, handle)
//	http.Handle("/hooks/roomsync", rcv)
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	reply := func(status int, v any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(v)
	}
	if r.Method != http.MethodPost {
		reply(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		reply(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	reply(w.Handle(body, r.Header.Get(WebhookSignatureHeader)))
}
