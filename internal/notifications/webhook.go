package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"go.uber.org/zap"
)

// Signature headers set on every forwarded event.
const (
	HeaderSignature = "X-Ledger-Signature"
	HeaderEventType = "X-Ledger-Event-Type"
	HeaderEventID   = "X-Ledger-Event-ID"
	HeaderTimestamp = "X-Ledger-Timestamp"
)

// WebhookAdapter forwards domain events to an HTTP endpoint with an
// HMAC-SHA256 signature over the body.
type WebhookAdapter struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// WebhookPayload is the JSON body posted for each event.
type WebhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewWebhookAdapter creates a new webhook adapter
func NewWebhookAdapter(url, secret string, timeout time.Duration, logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send posts one event. Any non-2xx answer is an error.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(WebhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.Format(time.RFC3339),
		UserID:    event.UserID,
		Data:      event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "token-ledger-notifications/1.0")
	req.Header.Set(HeaderSignature, Sign(body, w.secret))
	req.Header.Set(HeaderEventType, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderTimestamp, event.Timestamp.Format(time.RFC3339))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign returns the "sha256=<hex>" signature of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Receivers of the
// forwarded events use it.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
