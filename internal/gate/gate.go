// Package gate runs the advisory pre-flight balance check before a billable
// action starts. It never mutates the ledger; the debit itself remains the
// authoritative check.
package gate

import (
	"context"
	"fmt"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Balances is the read side the gate needs.
type Balances interface {
	CanAfford(ctx context.Context, userID string, amount decimal.Decimal) (bool, decimal.Decimal, error)
}

// Decision is the outcome of a pre-flight check.
type Decision struct {
	Allowed bool            `json:"allowed"`
	Balance decimal.Decimal `json:"balance"`
	Minimum decimal.Decimal `json:"minimum"`
}

// Gate answers whether a user can start something costing a minimum.
type Gate struct {
	balances Balances
	logger   *zap.Logger
}

// New creates a gate.
func New(balances Balances, logger *zap.Logger) *Gate {
	return &Gate{balances: balances, logger: logger}
}

// Ensure reports whether userID holds at least minimum tokens.
func (g *Gate) Ensure(ctx context.Context, userID string, minimum decimal.Decimal) (Decision, error) {
	if minimum.IsNegative() {
		return Decision{}, fmt.Errorf("%w: minimum must not be negative", ledger.ErrInvalidAmount)
	}

	ok, balance, err := g.balances.CanAfford(ctx, userID, minimum)
	if err != nil {
		return Decision{}, err
	}

	if !ok {
		metrics.InsufficientBalance.WithLabelValues("ensure").Inc()
		g.logger.Info("pre-flight check declined",
			zap.String("user_id", userID),
			zap.String("balance", balance.String()),
			zap.String("minimum", minimum.String()),
		)
	}
	return Decision{Allowed: ok, Balance: balance, Minimum: minimum}, nil
}
