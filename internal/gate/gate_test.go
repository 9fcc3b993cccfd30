package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seededGate(t *testing.T, balance string) (*Gate, ledger.Store) {
	t.Helper()
	store := ledger.NewMemoryStore(4, nil)
	if balance != "0" {
		_, err := store.Append(context.Background(), ledger.AppendRequest{
			UserID: "user-1", Amount: decimal.RequireFromString(balance), Reason: "grant",
		})
		require.NoError(t, err)
	}
	return New(ledger.NewBalanceService(store, zap.NewNop()), zap.NewNop()), store
}

func TestEnsure(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		minimum string
		allowed bool
	}{
		{"enough", "5", "2", true},
		{"exact", "2", "2", true},
		{"short", "1.75", "2", false},
		{"empty account", "0", "0.25", false},
		{"zero minimum", "0", "0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := seededGate(t, tt.balance)

			d, err := g.Ensure(context.Background(), "user-1", decimal.RequireFromString(tt.minimum))
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.True(t, d.Balance.Equal(decimal.RequireFromString(tt.balance)))
		})
	}
}

func TestEnsureDoesNotMutate(t *testing.T) {
	g, store := seededGate(t, "3")

	for i := 0; i < 3; i++ {
		_, err := g.Ensure(context.Background(), "user-1", decimal.NewFromInt(2))
		require.NoError(t, err)
	}

	entries, err := store.Entries(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureRejectsNegativeMinimum(t *testing.T) {
	g, _ := seededGate(t, "3")
	_, err := g.Ensure(context.Background(), "user-1", decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

type failingBalances struct{ err error }

func (f failingBalances) CanAfford(context.Context, string, decimal.Decimal) (bool, decimal.Decimal, error) {
	return false, decimal.Zero, f.err
}

func TestEnsurePropagatesStoreErrors(t *testing.T) {
	want := errors.Join(ledger.ErrStoreUnavailable, errors.New("connection refused"))
	g := New(failingBalances{err: want}, zap.NewNop())

	_, err := g.Ensure(context.Background(), "user-1", decimal.NewFromInt(1))
	require.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}
