package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"go.uber.org/zap"
)

const (
	eventProcessedTTL = 24 * time.Hour

	stateProcessing = "processing"
	stateProcessed  = "processed"
)

// Reservation is the result of trying to claim an event id.
type Reservation int

const (
	Reserved Reservation = iota
	InFlight
	AlreadyProcessed
)

// EventLock collapses concurrent deliveries of one event id. The ledger's
// unique transaction id stays the authority; the lock only keeps two
// deliveries from racing through classification at the same time.
type EventLock interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Finalize(ctx context.Context, key string, success bool)
}

// RedisEventLock keeps reservations in Redis so every replica sees them.
type RedisEventLock struct {
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisEventLock creates a Redis-backed lock. ttl bounds how long a
// crashed delivery can hold its event id.
func NewRedisEventLock(c *cache.Cache, ttl time.Duration, logger *zap.Logger) *RedisEventLock {
	return &RedisEventLock{cache: c, ttl: ttl, logger: logger}
}

func redisKeyForEvent(key string) string {
	return fmt.Sprintf("webhooks:%s", key)
}

func (l *RedisEventLock) Reserve(ctx context.Context, key string) (Reservation, error) {
	ok, err := l.cache.SetNX(ctx, redisKeyForEvent(key), stateProcessing, l.ttl)
	if err != nil {
		return 0, err
	}
	if ok {
		return Reserved, nil
	}

	state, err := l.cache.Get(ctx, redisKeyForEvent(key))
	if cache.IsMiss(err) {
		// released between the two calls; let the sender retry
		return InFlight, nil
	}
	if err != nil {
		return 0, err
	}
	if state == stateProcessed {
		return AlreadyProcessed, nil
	}
	return InFlight, nil
}

func (l *RedisEventLock) Finalize(ctx context.Context, key string, success bool) {
	k := redisKeyForEvent(key)
	if success {
		if err := l.cache.Set(ctx, k, stateProcessed, eventProcessedTTL); err != nil {
			l.logger.Warn("failed to persist webhook completion in cache",
				zap.String("event_key", key),
				zap.Error(err),
			)
		}
		return
	}
	if err := l.cache.Delete(ctx, k); err != nil {
		l.logger.Warn("failed to release webhook lock",
			zap.String("event_key", key),
			zap.Error(err),
		)
	}
}

// LocalEventLock keeps reservations in process for single-replica setups.
type LocalEventLock struct {
	cache *cache.LocalCache
	ttl   time.Duration
}

// NewLocalEventLock creates an in-process lock over c.
func NewLocalEventLock(c *cache.LocalCache, ttl time.Duration) *LocalEventLock {
	return &LocalEventLock{cache: c, ttl: ttl}
}

func (l *LocalEventLock) Reserve(_ context.Context, key string) (Reservation, error) {
	if l.cache.SetNX(key, stateProcessing, l.ttl) {
		return Reserved, nil
	}
	if state, ok := l.cache.Get(key); ok && state == stateProcessed {
		return AlreadyProcessed, nil
	}
	return InFlight, nil
}

func (l *LocalEventLock) Finalize(_ context.Context, key string, success bool) {
	if success {
		l.cache.Set(key, stateProcessed, eventProcessedTTL)
		return
	}
	l.cache.Delete(key)
}
