// Package ledger records token movements as an append-only log and derives
// balances from it. Every backend guarantees that a debit is checked against
// the balance atomically with its write, and that an external transaction id
// is recorded at most once across all users.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places stored for token amounts.
const Precision = 4

// DefaultEntriesLimit bounds Entries when the caller passes no limit.
const DefaultEntriesLimit = 100

// AppendRequest describes one balance movement.
type AppendRequest struct {
	UserID                string
	Amount                decimal.Decimal
	Reason                string
	ExternalTransactionID string
	Metadata              map[string]string
}

// Store is the contract shared by every ledger backend.
type Store interface {
	// Append records a movement. Debits that would overdraw return
	// ErrInsufficientBalance, replays of an external transaction id return
	// ErrDuplicateTransaction together with the original entry when known.
	Append(ctx context.Context, req AppendRequest) (*models.LedgerEntry, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	// Entries returns the user's entries newest first.
	Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	Health(ctx context.Context) error
}

func (r AppendRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidAmount)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidAmount)
	}
	if r.Amount.Round(Precision).IsZero() {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	return nil
}

// newEntry builds the entry that a backend will persist for req.
func newEntry(req AppendRequest, now time.Time) *models.LedgerEntry {
	entry := &models.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Amount:    req.Amount.Round(Precision),
		Reason:    req.Reason,
		Metadata:  copyMetadata(req.Metadata),
		CreatedAt: now.UTC(),
	}
	if req.ExternalTransactionID != "" {
		txid := req.ExternalTransactionID
		entry.ExternalTransactionID = &txid
	}
	return entry
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultEntriesLimit
	}
	return limit
}
