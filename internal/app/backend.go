// Package app assembles the ledger backend selected by configuration. The
// server and the operator CLI share it so both always talk to the same store.
package app

import (
	"context"
	"fmt"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/config"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/database"
	"go.uber.org/zap"
)

// Backend is the opened ledger store plus the connections behind it.
type Backend struct {
	Store ledger.Store
	// Cache is set whenever Redis is enabled, whatever the ledger backend.
	Cache *cache.Cache
	// DB is only set for the postgres backend.
	DB *database.Database
}

// OpenBackend connects to the configured ledger backend. With migrate set,
// pending Postgres migrations are applied before the store is returned.
func OpenBackend(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) (*Backend, error) {
	b := &Backend{}

	if cfg.Redis.Enabled {
		c, err := cache.NewCache(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.Cache = c
		logger.Info("connected to Redis", zap.String("host", cfg.Redis.Host))
	}

	var store ledger.Store
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory ledger; balances are lost on restart")
		store = ledger.NewMemoryStore(cfg.Ledger.Stripes, nil)

	case config.BackendPostgres:
		db, err := database.NewDatabase(ctx, cfg.Database)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.DB = db
		logger.Info("connected to database", zap.String("host", cfg.Database.Host))

		if migrate {
			applied, err := db.Migrate(ctx)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("applied migrations", zap.Strings("migrations", applied))
			}
		}
		store = ledger.NewPostgresStore(db)

	case config.BackendRedis:
		if b.Cache == nil {
			return nil, fmt.Errorf("redis ledger backend requires redis to be enabled")
		}
		store = ledger.NewRedisStore(b.Cache, nil)

	default:
		b.Close()
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	b.Store = ledger.Instrument(store, cfg.Ledger.Backend, logger)
	return b, nil
}

// Close releases every connection the backend opened.
func (b *Backend) Close() {
	if b.DB != nil {
		b.DB.Close()
	}
	if b.Cache != nil {
		_ = b.Cache.Close()
	}
}
