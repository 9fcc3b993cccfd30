package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/database"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PostgresStore keeps the ledger in PostgreSQL. Appends lock the user's
// ledger_accounts row so the balance check and the insert are serialized
// per user; the unique index on external_transaction_id enforces
// idempotency across users.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a ledger over an open database. Migrations must
// have been applied.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, req AppendRequest) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	entry := newEntry(req, time.Now())

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if entry.Metadata == nil {
		meta = []byte("{}")
	}

	var result *models.LedgerEntry
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
			entry.UserID,
		); err != nil {
			return unavailable("ensure account", err)
		}

		var locked string
		if err := tx.QueryRow(ctx,
			`SELECT user_id FROM ledger_accounts WHERE user_id = $1 FOR UPDATE`,
			entry.UserID,
		).Scan(&locked); err != nil {
			return unavailable("lock account", err)
		}

		if entry.ExternalTransactionID != nil {
			existing, err := findByExternalID(ctx, tx, *entry.ExternalTransactionID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return ErrDuplicateTransaction
			}
		}

		if entry.Amount.IsNegative() {
			balance, err := sumBalance(ctx, tx, entry.UserID)
			if err != nil {
				return err
			}
			if balance.Add(entry.Amount).IsNegative() {
				return ErrInsufficientBalance
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (
				id, user_id, amount, reason, external_transaction_id, metadata, created_at
			) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
			ON CONFLICT (external_transaction_id) WHERE external_transaction_id IS NOT NULL DO NOTHING
		`,
			entry.ID,
			entry.UserID,
			entry.Amount.StringFixed(Precision),
			entry.Reason,
			entry.ExternalTransactionID,
			meta,
			entry.CreatedAt,
		)
		if err != nil {
			return unavailable("insert entry", err)
		}
		if tag.RowsAffected() == 0 {
			// another user's transaction committed the same id first
			existing, err := findByExternalID(ctx, tx, *entry.ExternalTransactionID)
			if err != nil {
				return err
			}
			result = existing
			return ErrDuplicateTransaction
		}

		result = entry
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			return result, ErrDuplicateTransaction
		}
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, unavailable("append", err)
	}
	return result, nil
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return sumBalance(ctx, s.db.Pool, userID)
}

// Entries implements Store.
func (s *PostgresStore) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id::text, user_id, amount::text, reason, external_transaction_id, metadata, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, unavailable("query entries", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate entries", err)
	}
	return entries, nil
}

// Health implements Store.
func (s *PostgresStore) Health(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumBalance(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var raw string
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM ledger_entries WHERE user_id = $1`,
		userID,
	).Scan(&raw); err != nil {
		return decimal.Zero, unavailable("sum balance", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return balance, nil
}

func findByExternalID(ctx context.Context, q querier, txid string) (*models.LedgerEntry, error) {
	row := q.QueryRow(ctx, `
		SELECT id::text, user_id, amount::text, reason, external_transaction_id, metadata, created_at
		FROM ledger_entries
		WHERE external_transaction_id = $1
	`, txid)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var (
		entry  models.LedgerEntry
		amount string
		meta   []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&amount,
		&entry.Reason,
		&entry.ExternalTransactionID,
		&meta,
		&entry.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, unavailable("scan entry", err)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	entry.Amount = d

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(entry.Metadata) == 0 {
			entry.Metadata = nil
		}
	}
	return &entry, nil
}
