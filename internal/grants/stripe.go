package grants

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// Checkout sessions and invoices carry the buyer and product in metadata
// set by the client when the session is created.
const (
	metaUserID    = "user_id"
	metaProductID = "product_id"
)

// HandleStripe receives Stripe webhook events.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	if !h.StripeEnabled() {
		writeError(w, http.StatusNotFound, "stripe webhooks are not configured", "not_found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read stripe webhook body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.cfg.StripeSecret)
	if err != nil {
		h.reject(w, r, SourceStripe, err.Error())
		return
	}

	ev, err := stripeGrantEvent(event)
	if err != nil {
		h.logger.Warn("malformed stripe event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		metrics.WebhookOutcomes.WithLabelValues(SourceStripe, "ignored:malformed_payload").Inc()
		h.respond(w, Outcome{Status: StatusIgnored, Reason: "malformed_payload"})
		return
	}

	h.process(w, r, ev)
}

// stripeGrantEvent normalizes the Stripe events that move tokens.
func stripeGrantEvent(event stripe.Event) (Event, error) {
	ev := Event{
		Source: SourceStripe,
		ID:     event.ID,
		Type:   string(event.Type),
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return ev, fmt.Errorf("unmarshal checkout session: %w", err)
		}
		// subscription checkouts are granted by their first invoice
		if session.Mode == stripe.CheckoutSessionModeSubscription {
			return ev, nil
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return ev, nil
		}
		ev.Kind = KindPurchase
		ev.UserID = session.ClientReferenceID
		if ev.UserID == "" {
			ev.UserID = session.Metadata[metaUserID]
		}
		ev.ProductID = session.Metadata[metaProductID]
		ev.TransactionID = session.ID

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return ev, fmt.Errorf("unmarshal invoice: %w", err)
		}
		ev.Kind = KindPurchase
		if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle {
			ev.Kind = KindRenewal
		}
		ev.UserID = invoice.Metadata[metaUserID]
		ev.ProductID = invoice.Metadata[metaProductID]
		if invoice.Lines != nil {
			for _, line := range invoice.Lines.Data {
				if ev.UserID == "" {
					ev.UserID = line.Metadata[metaUserID]
				}
				if ev.ProductID == "" && line.Price != nil {
					ev.ProductID = line.Price.ID
				}
			}
		}
		ev.TransactionID = invoice.ID

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, fmt.Errorf("unmarshal subscription: %w", err)
		}
		ev.Kind = KindCancellation
		ev.UserID = sub.Metadata[metaUserID]
		ev.ProductID = sub.Metadata[metaProductID]
	}

	return ev, nil
}
