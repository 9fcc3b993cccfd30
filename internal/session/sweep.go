package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired int
	Evicted int
}

// Sweep expires active sessions whose last heartbeat is older than the
// heartbeat timeout, and forgets finished sessions older than the retention
// window. Expiry does not charge; usage past the last heartbeat is not billed.
func (m *Manager) Sweep(now time.Time) SweepResult {
	m.mu.RLock()
	snapshot := make(map[string]*tracked, len(m.sessions))
	for id, t := range m.sessions {
		snapshot[id] = t
	}
	m.mu.RUnlock()

	var res SweepResult
	var evict []string
	ctx := context.Background()

	for id, t := range snapshot {
		t.mu.Lock()
		s := &t.session
		switch {
		case s.ClosedAt == nil:
			if now.Sub(s.LastHeartbeatAt) > m.cfg.HeartbeatTimeout {
				m.expireLocked(ctx, s, now, "heartbeat_timeout")
				res.Expired++
			}
		case now.Sub(*s.ClosedAt) >= m.cfg.Retention:
			evict = append(evict, id)
		}
		t.mu.Unlock()
	}

	if len(evict) > 0 {
		m.mu.Lock()
		for _, id := range evict {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		res.Evicted = len(evict)
	}

	if res.Expired > 0 || res.Evicted > 0 {
		m.logger.Debug("session sweep",
			zap.Int("expired", res.Expired),
			zap.Int("evicted", res.Evicted),
		)
	}
	return res
}

// Start runs Sweep every SweepInterval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = m.cfg.HeartbeatTimeout / 2
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
}
