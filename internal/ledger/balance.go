package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceService answers balance questions on top of a Store.
type BalanceService struct {
	store  Store
	logger *zap.Logger
}

// NewBalanceService creates a balance service.
func NewBalanceService(store Store, logger *zap.Logger) *BalanceService {
	return &BalanceService{store: store, logger: logger}
}

// Balance returns the current balance of userID.
func (s *BalanceService) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		s.logger.Error("failed to read balance",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return decimal.Zero, fmt.Errorf("balance for %s: %w", userID, err)
	}
	return balance, nil
}

// CanAfford reports whether userID currently holds at least amount. The
// answer is advisory; the debit itself is checked again by the store.
func (s *BalanceService) CanAfford(ctx context.Context, userID string, amount decimal.Decimal) (bool, decimal.Decimal, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, decimal.Zero, err
	}
	return balance.GreaterThanOrEqual(amount), balance, nil
}
