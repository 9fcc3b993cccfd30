// Package cachetest starts throwaway Redis caches backed by miniredis.
package cachetest

import (
	"strconv"
	"testing"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/config"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"github.com/alicebob/miniredis/v2"
)

// New returns a cache connected to a fresh miniredis server. Both are closed
// when the test finishes.
func New(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	cfg := config.RedisConfig{
		Enabled: true,
		Host:    mr.Host(),
		Port: func() int {
			port, _ := strconv.Atoi(mr.Port())
			return port
		}(),
		DB:       0,
		PoolSize: 10,
	}
	c, err := cache.NewCache(cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}
