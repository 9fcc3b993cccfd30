package grants

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/metrics"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// HandlerConfig holds the webhook credentials.
type HandlerConfig struct {
	// Secret is the shared secret the purchase SDK sends in Authorization.
	Secret string
	// StripeSecret is the Stripe endpoint signing secret. Empty disables
	// the Stripe endpoint.
	StripeSecret string
}

// WebhookHandler exposes the purchase webhooks over HTTP.
//
// Every delivery runs the same pipeline: authenticate, parse, reserve the
// event id, classify and grant, finalize the reservation, acknowledge.
// Classification problems are acknowledged with 200 so the sender does not
// retry forever; only authentication failures (401) and store outages (503)
// are reported as errors, and a 503 is safe to retry because grants are
// idempotent.
type WebhookHandler struct {
	cfg      HandlerConfig
	ingester *Ingester
	lock     EventLock
	logger   *zap.Logger
}

// NewWebhookHandler creates the HTTP handler. lock may be nil.
func NewWebhookHandler(cfg HandlerConfig, ingester *Ingester, lock EventLock, logger *zap.Logger) (*WebhookHandler, error) {
	if cfg.Secret == "" {
		return nil, errors.New("grants: webhook secret is required")
	}
	if ingester == nil {
		return nil, errors.New("grants: ingester is required")
	}
	return &WebhookHandler{cfg: cfg, ingester: ingester, lock: lock, logger: logger}, nil
}

// StripeEnabled reports whether the Stripe endpoint is configured.
func (h *WebhookHandler) StripeEnabled() bool {
	return h.cfg.StripeSecret != ""
}

// ack is the body returned for every processed delivery.
type ack struct {
	Received bool   `json:"received"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

func (h *WebhookHandler) authenticate(r *http.Request) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Secret)) == 1
}

// HandlePurchases receives purchase SDK notifications.
func (h *WebhookHandler) HandlePurchases(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		h.reject(w, r, SourcePurchases, "invalid shared secret")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		h.respond(w, Outcome{Status: StatusIgnored, Reason: "unreadable_body"})
		return
	}

	ev, err := ParsePurchaseEvent(body)
	if err != nil {
		h.logger.Warn("malformed purchase webhook", zap.Error(err))
		metrics.WebhookOutcomes.WithLabelValues(SourcePurchases, "ignored:malformed_payload").Inc()
		h.respond(w, Outcome{Status: StatusIgnored, Reason: "malformed_payload"})
		return
	}

	h.process(w, r, ev)
}

func (h *WebhookHandler) process(w http.ResponseWriter, r *http.Request, ev Event) {
	ctx := r.Context()
	key := ev.Source + ":" + ev.ID

	locked := false
	if h.lock != nil && ev.ID != "" {
		state, err := h.lock.Reserve(ctx, key)
		switch {
		case err != nil:
			// the ledger's transaction id still deduplicates
			h.logger.Warn("webhook lock unavailable, continuing without it",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		case state == AlreadyProcessed:
			h.logger.Info("webhook event already processed", zap.String("event_id", ev.ID))
			h.respond(w, Outcome{Status: StatusDuplicate})
			return
		case state == InFlight:
			h.logger.Info("webhook event already in progress", zap.String("event_id", ev.ID))
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "event is being processed", "in_progress")
			return
		default:
			locked = true
		}
	}

	out := h.ingester.Ingest(ctx, ev)
	if locked {
		h.lock.Finalize(ctx, key, out.Status != StatusFailed)
	}
	h.respond(w, out)
}

func (h *WebhookHandler) respond(w http.ResponseWriter, out Outcome) {
	if out.Status == StatusFailed {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "ledger temporarily unavailable", "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ack{Received: true, Status: out.Status, Reason: out.Reason})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, source, why string) {
	h.logger.Warn("webhook authentication failed",
		zap.String("source", source),
		zap.String("reason", why),
		zap.String("remote_addr", r.RemoteAddr),
	)
	metrics.WebhookOutcomes.WithLabelValues(source, string(StatusRejected)).Inc()
	writeError(w, http.StatusUnauthorized, ErrUnauthorizedWebhook.Error(), "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
