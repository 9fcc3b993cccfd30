// Package grants turns purchase notifications into ledger grants. Every
// delivery is authenticated before its payload is parsed, classified before
// anything is written, and written with the store's transaction id so
// redeliveries are no-ops.
package grants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/metrics"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnauthorizedWebhook is returned for deliveries failing authentication.
var ErrUnauthorizedWebhook = errors.New("grants: unauthorized webhook")

// Kind classifies a purchase notification.
type Kind int

const (
	KindUnsupported Kind = iota
	KindPurchase
	KindRenewal
	KindCancellation
)

// Event is a normalized purchase notification.
type Event struct {
	Source        string
	ID            string
	Type          string
	Kind          Kind
	UserID        string
	ProductID     string
	TransactionID string
}

// Status is the classification of a processed delivery.
type Status string

const (
	StatusGranted   Status = "granted"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Outcome reports what a delivery did.
type Outcome struct {
	Status Status              `json:"status"`
	Reason string              `json:"reason,omitempty"`
	Amount decimal.Decimal     `json:"amount"`
	Entry  *models.LedgerEntry `json:"-"`
	Err    error               `json:"-"`
}

// Ingester applies classified purchase events to the ledger.
type Ingester struct {
	store     ledger.Store
	products  map[string]decimal.Decimal
	publisher events.Publisher
	logger    *zap.Logger
}

// NewIngester creates an ingester. products maps store product ids to the
// number of tokens they grant; ids match case-insensitively.
func NewIngester(store ledger.Store, products map[string]decimal.Decimal, publisher events.Publisher, logger *zap.Logger) (*Ingester, error) {
	if store == nil {
		return nil, errors.New("grants: ledger store is required")
	}
	if len(products) == 0 {
		return nil, errors.New("grants: product table is empty")
	}

	table := make(map[string]decimal.Decimal, len(products))
	for id, amount := range products {
		if !amount.IsPositive() {
			return nil, fmt.Errorf("grants: product %q must grant a positive amount", id)
		}
		table[strings.ToLower(id)] = amount
	}

	return &Ingester{
		store:     store,
		products:  table,
		publisher: publisher,
		logger:    logger,
	}, nil
}

// TokensFor returns the grant size of a product.
func (i *Ingester) TokensFor(productID string) (decimal.Decimal, bool) {
	amount, ok := i.products[strings.ToLower(productID)]
	return amount, ok
}

// Ingest classifies ev and, for grant-bearing events, appends the grant.
func (i *Ingester) Ingest(ctx context.Context, ev Event) Outcome {
	log := i.logger.With(
		zap.String("source", ev.Source),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("user_id", ev.UserID),
	)

	switch ev.Kind {
	case KindPurchase, KindRenewal:
	case KindCancellation:
		log.Info("purchase cancellation recorded, no tokens revoked",
			zap.String("product_id", ev.ProductID),
		)
		i.publish(ctx, events.NewEvent(events.EventPurchaseCancelled, ev.UserID, map[string]interface{}{
			"source":     ev.Source,
			"event_type": ev.Type,
			"product_id": ev.ProductID,
		}))
		return i.record(ev, Outcome{Status: StatusIgnored, Reason: "cancellation"})
	default:
		log.Info("ignoring unsupported purchase event")
		return i.record(ev, Outcome{Status: StatusIgnored, Reason: "unsupported_event"})
	}

	if ev.UserID == "" {
		log.Warn("purchase event without user id")
		return i.record(ev, Outcome{Status: StatusIgnored, Reason: "missing_user"})
	}

	amount, ok := i.TokensFor(ev.ProductID)
	if !ok {
		log.Warn("purchase for unknown product", zap.String("product_id", ev.ProductID))
		return i.record(ev, Outcome{Status: StatusIgnored, Reason: "unknown_product"})
	}

	txid := ev.TransactionID
	if txid == "" {
		txid = ev.ID
	}
	if txid == "" {
		log.Warn("purchase event without transaction id")
		return i.record(ev, Outcome{Status: StatusIgnored, Reason: "missing_transaction_id"})
	}

	reason := models.ReasonPurchase
	if ev.Kind == KindRenewal {
		reason = models.ReasonRenewal
	}

	entry, err := i.store.Append(ctx, ledger.AppendRequest{
		UserID:                ev.UserID,
		Amount:                amount,
		Reason:                reason,
		ExternalTransactionID: ev.Source + ":" + txid,
		Metadata: map[string]string{
			"source":     ev.Source,
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"product_id": ev.ProductID,
		},
	})
	switch {
	case err == nil:
		log.Info("tokens granted",
			zap.String("product_id", ev.ProductID),
			zap.String("amount", amount.String()),
			zap.String("entry_id", entry.ID),
		)
		i.publish(ctx, events.NewEvent(events.EventTokensGranted, ev.UserID, map[string]interface{}{
			"amount":     amount.String(),
			"reason":     reason,
			"product_id": ev.ProductID,
			"entry_id":   entry.ID,
		}))
		return i.record(ev, Outcome{Status: StatusGranted, Amount: amount, Entry: entry})
	case ledger.IsDuplicate(err):
		log.Info("purchase already granted", zap.String("transaction_id", txid))
		return i.record(ev, Outcome{Status: StatusDuplicate, Amount: amount, Entry: entry})
	default:
		log.Error("failed to grant tokens", zap.Error(err))
		return i.record(ev, Outcome{Status: StatusFailed, Reason: "store_unavailable", Err: err})
	}
}

func (i *Ingester) record(ev Event, out Outcome) Outcome {
	label := string(out.Status)
	if out.Reason != "" {
		label += ":" + out.Reason
	}
	metrics.WebhookOutcomes.WithLabelValues(ev.Source, label).Inc()
	return out
}

func (i *Ingester) publish(ctx context.Context, e events.Event) {
	if i.publisher != nil {
		i.publisher.Publish(ctx, e)
	}
}
