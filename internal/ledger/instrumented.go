package ledger

import (
	"context"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/metrics"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InstrumentedStore records latency, movement counters and outcome logs
// around another Store.
type InstrumentedStore struct {
	next    Store
	backend string
	logger  *zap.Logger
}

// Instrument wraps store with metrics and logging.
func Instrument(store Store, backend string, logger *zap.Logger) *InstrumentedStore {
	return &InstrumentedStore{next: store, backend: backend, logger: logger}
}

func (s *InstrumentedStore) observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
}

// Append implements Store.
func (s *InstrumentedStore) Append(ctx context.Context, req AppendRequest) (*models.LedgerEntry, error) {
	defer s.observe("append", time.Now())

	entry, err := s.next.Append(ctx, req)
	switch {
	case err == nil:
		amount, _ := entry.Amount.Float64()
		metrics.RecordMovement(entry.Reason, amount)
		s.logger.Debug("ledger entry appended",
			zap.String("user_id", entry.UserID),
			zap.String("entry_id", entry.ID),
			zap.String("amount", entry.Amount.String()),
			zap.String("reason", entry.Reason),
		)
	case IsDuplicate(err):
		metrics.DuplicateTransactions.Inc()
		s.logger.Info("duplicate transaction ignored",
			zap.String("user_id", req.UserID),
			zap.String("external_transaction_id", req.ExternalTransactionID),
		)
	case IsInsufficientBalance(err):
		metrics.InsufficientBalance.WithLabelValues(req.Reason).Inc()
	default:
		s.logger.Error("ledger append failed",
			zap.String("user_id", req.UserID),
			zap.String("reason", req.Reason),
			zap.Error(err),
		)
	}
	return entry, err
}

// Balance implements Store.
func (s *InstrumentedStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	defer s.observe("balance", time.Now())
	return s.next.Balance(ctx, userID)
}

// Entries implements Store.
func (s *InstrumentedStore) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	defer s.observe("entries", time.Now())
	return s.next.Entries(ctx, userID, limit)
}

// Health implements Store.
func (s *InstrumentedStore) Health(ctx context.Context) error {
	return s.next.Health(ctx)
}
