package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// appendScript checks the idempotency index, compares the balance and writes
// the entry in one atomic step. Amounts are integer ten-thousandths.
//
// KEYS[1] balance, KEYS[2] entry list, KEYS[3] idempotency hash
// ARGV[1] signed delta, ARGV[2] external transaction id or "", ARGV[3] entry JSON
var appendScript = redis.NewScript(`
if ARGV[2] ~= '' then
    local existing = redis.call('HGET', KEYS[3], ARGV[2])
    if existing then
        return {'duplicate', existing}
    end
end

local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
if delta < 0 and balance + delta < 0 then
    return {'insufficient', tostring(balance)}
end

local updated = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[3])
if ARGV[2] ~= '' then
    redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
end
return {'ok', tostring(updated)}
`)

const redisIdempotencyKey = "ledger:txids"

// RedisStore keeps the ledger in Redis. The append script touches the
// global idempotency hash, so the backend targets a single Redis primary
// rather than a cluster.
type RedisStore struct {
	cache *cache.Cache
	now   func() time.Time
}

// NewRedisStore creates a Redis-backed ledger.
func NewRedisStore(c *cache.Cache, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{cache: c, now: now}
}

func balanceKey(userID string) string { return fmt.Sprintf("ledger:{%s}:balance", userID) }
func entriesKey(userID string) string { return fmt.Sprintf("ledger:{%s}:entries", userID) }

func toUnits(d decimal.Decimal) int64 {
	return d.Round(Precision).Shift(Precision).IntPart()
}

func fromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Precision)
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, req AppendRequest) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	entry := newEntry(req, s.now())
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	res, err := appendScript.Run(ctx, s.cache.Client,
		[]string{balanceKey(req.UserID), entriesKey(req.UserID), redisIdempotencyKey},
		toUnits(entry.Amount), req.ExternalTransactionID, string(payload),
	).Slice()
	if err != nil {
		return nil, unavailable("append script", err)
	}
	if len(res) != 2 {
		return nil, unavailable("append script", fmt.Errorf("unexpected reply %v", res))
	}

	status, _ := res[0].(string)
	value, _ := res[1].(string)
	switch status {
	case "ok":
		return entry, nil
	case "duplicate":
		var existing models.LedgerEntry
		if err := json.Unmarshal([]byte(value), &existing); err != nil {
			return nil, fmt.Errorf("decode duplicate entry: %w", err)
		}
		return &existing, ErrDuplicateTransaction
	case "insufficient":
		return nil, ErrInsufficientBalance
	default:
		return nil, unavailable("append script", fmt.Errorf("unexpected status %q", status))
	}
}

// Balance implements Store.
func (s *RedisStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	raw, err := s.cache.Get(ctx, balanceKey(userID))
	if cache.IsMiss(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, unavailable("get balance", err)
	}
	units, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return fromUnits(units), nil
}

// Entries implements Store.
func (s *RedisStore) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	raw, err := s.cache.Client.LRange(ctx, entriesKey(userID), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	entries := make([]models.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.LedgerEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Health implements Store.
func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.cache.Health(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
