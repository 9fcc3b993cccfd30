package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is one versioned schema change.
type Migration struct {
	Version string
	Name    string
	Up      string
}

// Migrations are applied in order and recorded in schema_migrations.
var Migrations = []Migration{
	{
		Version: "20250101000001",
		Name:    "create_ledger_accounts",
		Up: `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    user_id    TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		Version: "20250101000002",
		Name:    "create_ledger_entries",
		Up: `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id                      UUID PRIMARY KEY,
    user_id                 TEXT NOT NULL REFERENCES ledger_accounts (user_id),
    amount                  NUMERIC(20,4) NOT NULL CHECK (amount <> 0),
    reason                  TEXT NOT NULL,
    external_transaction_id TEXT,
    metadata                JSONB NOT NULL DEFAULT '{}',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_external_tx
    ON ledger_entries (external_transaction_id)
    WHERE external_transaction_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
    ON ledger_entries (user_id, created_at DESC);`,
	},
}

// Migrate applies every migration that has not been recorded yet.
func (db *Database) Migrate(ctx context.Context) ([]string, error) {
	if _, err := db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	for _, m := range Migrations {
		ok, err := db.applyMigration(ctx, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, m.Version+"_"+m.Name)
		}
	}
	return applied, nil
}

func (db *Database) applyMigration(ctx context.Context, m Migration) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", m.Version, err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", m.Version, err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, m.Up); err != nil {
		return false, fmt.Errorf("apply migration %s (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name,
	); err != nil {
		return false, fmt.Errorf("record migration %s: %w", m.Version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return true, nil
}

// WithTx runs fn inside a transaction, committing when it returns nil.
func (db *Database) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
