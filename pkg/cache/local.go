package cache

import (
	"context"
	"sync"
	"time"
)

type localItem struct {
	value     any
	expiresAt time.Time
	insertSeq uint64
}

// LocalCache is an in-process key/value store with per-key TTL and a size
// bound. When full, the oldest insertion is evicted first.
type LocalCache struct {
	mu      sync.Mutex
	items   map[string]*localItem
	maxSize int
	seq     uint64
	now     func() time.Time
}

// NewLocalCache creates a cache holding at most maxSize keys. A nil clock
// defaults to time.Now.
func NewLocalCache(maxSize int, now func() time.Time) *LocalCache {
	if now == nil {
		now = time.Now
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LocalCache{
		items:   make(map[string]*localItem),
		maxSize: maxSize,
		now:     now,
	}
}

// Set stores value under key. A ttl of zero keeps it until evicted.
func (c *LocalCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
}

// SetNX stores value only when key is absent or expired.
func (c *LocalCache) SetNX(key string, value any, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok && !c.expired(item) {
		return false
	}
	c.setLocked(key, value, ttl)
	return true
}

// Get returns the value stored under key.
func (c *LocalCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if c.expired(item) {
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

// Delete removes key.
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored keys, expired ones included until swept.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep drops expired keys and returns how many were removed.
func (c *LocalCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked()
}

// StartJanitor sweeps expired keys every interval until ctx is done.
func (c *LocalCache) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *LocalCache) setLocked(key string, value any, ttl time.Duration) {
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		if c.sweepLocked() == 0 {
			c.evictOldestLocked()
		}
	}

	c.seq++
	item := &localItem{value: value, insertSeq: c.seq}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = item
}

func (c *LocalCache) sweepLocked() int {
	removed := 0
	for key, item := range c.items {
		if c.expired(item) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *LocalCache) evictOldestLocked() {
	var (
		oldestKey string
		oldestSeq uint64
		found     bool
	)
	for key, item := range c.items {
		if !found || item.insertSeq < oldestSeq {
			oldestKey, oldestSeq, found = key, item.insertSeq, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}

func (c *LocalCache) expired(item *localItem) bool {
	return !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt)
}
