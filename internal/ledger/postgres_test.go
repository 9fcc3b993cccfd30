package ledger_test

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/config"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/database"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupPostgresStore(t *testing.T) *ledger.PostgresStore {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}

	port, _ := strconv.Atoi(envOr("DB_PORT", "5432"))
	db, err := database.NewDatabase(context.Background(), config.DatabaseConfig{
		Host:         envOr("DB_HOST", "localhost"),
		Port:         port,
		User:         envOr("DB_USER", "ledger"),
		Password:     envOr("DB_PASSWORD", "ledger"),
		Database:     envOr("DB_NAME", "token_ledger"),
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Migrate(context.Background())
	require.NoError(t, err)

	return ledger.NewPostgresStore(db)
}

func TestPostgresStoreIdempotentGrant(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	uid := "pg-" + uuid.NewString()
	txid := "txn-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		_, err := store.Append(ctx, ledger.AppendRequest{
			UserID: uid, Amount: dec("120"), Reason: models.ReasonPurchase, ExternalTransactionID: txid,
		})
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
		}
	}

	balance, err := store.Balance(ctx, uid)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("120")), "balance %s", balance)
	require.NoError(t, store.Health(ctx))
}

func TestPostgresStoreConcurrentDebits(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()
	uid := "pg-" + uuid.NewString()

	_, err := store.Append(ctx, ledger.AppendRequest{UserID: uid, Amount: dec("10"), Reason: models.ReasonAdminGrant})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, ledger.AppendRequest{UserID: uid, Amount: dec("-6"), Reason: models.ReasonRealtimeTick})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case ledger.IsInsufficientBalance(err):
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	balance, err := store.Balance(ctx, uid)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("4")), "balance %s", balance)

	entries, err := store.Entries(ctx, uid, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, models.ReasonRealtimeTick, entries[0].Reason)
}
