// Package session meters time-based usage. A session takes an upfront block
// when it opens, is topped up on every heartbeat from the server's own clock,
// and is settled once more when it closes. Sessions that stop sending
// heartbeats are expired by a background sweep.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/gate"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/rounding"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/metrics"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gate is the pre-flight check run before the upfront charge.
type Gate interface {
	Ensure(ctx context.Context, userID string, minimum decimal.Decimal) (gate.Decision, error)
}

// Config tunes the manager.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
	MaxTracked       int
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// HeartbeatResult is returned by Heartbeat.
type HeartbeatResult struct {
	Session models.Session
	// Delta is what this heartbeat charged.
	Delta   decimal.Decimal
	Balance decimal.Decimal
}

type tracked struct {
	mu      sync.Mutex
	session models.Session
}

// Manager owns the set of live sessions.
type Manager struct {
	store     ledger.Store
	gate      Gate
	policy    *rounding.Policy
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*tracked
}

// NewManager creates a session manager. publisher may be nil.
func NewManager(store ledger.Store, g Gate, policy *rounding.Policy, publisher events.Publisher, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil || g == nil || policy == nil {
		return nil, fmt.Errorf("session: store, gate and policy are required")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("session: heartbeat timeout must be positive")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:     store,
		gate:      g,
		policy:    policy,
		publisher: publisher,
		cfg:       cfg,
		now:       now,
		logger:    logger,
		sessions:  make(map[string]*tracked),
	}, nil
}

// Open starts a session after charging its upfront block.
func (m *Manager) Open(ctx context.Context, userID string, kind models.SessionKind) (*models.Session, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if m.cfg.MaxTracked > 0 && m.Len() >= m.cfg.MaxTracked {
		return nil, ErrTooManySessions
	}

	upfront := m.policy.UpfrontCharge(kind)
	decision, err := m.gate.Ensure(ctx, userID, upfront)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: need %s, have %s", ledger.ErrInsufficientBalance, upfront, decision.Balance)
	}

	status, err := Transition(models.SessionNone, TriggerOpen)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if _, err := m.store.Append(ctx, ledger.AppendRequest{
		UserID:                userID,
		Amount:                upfront.Neg(),
		Reason:                upfrontReason(kind),
		ExternalTransactionID: fmt.Sprintf("session:%s:upfront", id),
		Metadata:              map[string]string{"session_id": id, "kind": string(kind)},
	}); err != nil {
		// the balance moved between the gate and the debit
		return nil, err
	}

	now := m.now()
	t := &tracked{session: models.Session{
		ID:              id,
		UserID:          userID,
		Kind:            kind,
		OpenedAt:        now,
		LastHeartbeatAt: now,
		Charged:         upfront,
		Status:          status,
	}}

	m.mu.Lock()
	m.sessions[id] = t
	m.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(kind)).Inc()
	m.logger.Info("session opened",
		zap.String("session_id", id),
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.String("upfront", upfront.String()),
	)
	m.publish(ctx, events.EventSessionOpened, t.session, map[string]interface{}{
		"upfront": upfront.String(),
	})
	m.publishConsumed(ctx, t.session, upfront, upfrontReason(kind))

	s := t.session
	return &s, nil
}

// Heartbeat charges whatever the server clock says is owed since the last
// charge. reported is the client's own elapsed time; it is only logged.
func (m *Manager) Heartbeat(ctx context.Context, sessionID, userID string, reported time.Duration) (*HeartbeatResult, error) {
	t, err := m.lookup(sessionID, userID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.session
	if _, err := Transition(s.Status, TriggerHeartbeat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	now := m.now()
	if now.Sub(s.LastHeartbeatAt) > m.cfg.HeartbeatTimeout {
		// the session died when its heartbeats stopped; the gap is never billed
		m.expireLocked(ctx, s, now, "heartbeat_timeout")
		return nil, fmt.Errorf("%w: heartbeat timed out", ErrSessionNotFound)
	}

	elapsed := now.Sub(s.OpenedAt)
	if reported > 0 {
		if drift := reported - elapsed; drift > m.cfg.HeartbeatTimeout || drift < -m.cfg.HeartbeatTimeout {
			m.logger.Debug("client elapsed time disagrees with server clock",
				zap.String("session_id", s.ID),
				zap.Duration("reported", reported),
				zap.Duration("elapsed", elapsed),
			)
		}
	}

	target := m.policy.SessionCost(s.Kind, elapsed)
	delta := target.Sub(s.Charged)
	charged := decimal.Zero

	if delta.IsPositive() {
		_, err := m.store.Append(ctx, ledger.AppendRequest{
			UserID:                s.UserID,
			Amount:                delta.Neg(),
			Reason:                tickReason(s.Kind),
			ExternalTransactionID: tickTransactionID(s.ID, target),
			Metadata: map[string]string{
				"session_id":      s.ID,
				"kind":            string(s.Kind),
				"elapsed_seconds": fmt.Sprintf("%.0f", elapsed.Seconds()),
			},
		})
		switch {
		case err == nil:
			charged = delta
			s.Charged = target
			m.publishConsumed(ctx, *s, delta, tickReason(s.Kind))
		case ledger.IsDuplicate(err):
			s.Charged = target
		case ledger.IsInsufficientBalance(err):
			m.expireLocked(ctx, s, now, "insufficient_balance")
			return &HeartbeatResult{Session: *s, Delta: decimal.Zero}, err
		default:
			return nil, err
		}
	}

	s.LastHeartbeatAt = now
	s.AccumulatedUnchargedSeconds = m.unchargedSeconds(s, elapsed)

	balance, err := m.store.Balance(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResult{Session: *s, Delta: charged, Balance: balance}, nil
}

// Close settles the session and marks it closed. If the final settlement
// cannot be covered in full, whatever balance remains is taken and the rest
// is recorded as the session's shortfall. Nothing is refunded.
func (m *Manager) Close(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	t, err := m.lookup(sessionID, userID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.session
	next, err := Transition(s.Status, TriggerClose)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	now := m.now()
	if now.Sub(s.LastHeartbeatAt) > m.cfg.HeartbeatTimeout {
		m.expireLocked(ctx, s, now, "heartbeat_timeout")
		return nil, fmt.Errorf("%w: heartbeat timed out", ErrSessionNotFound)
	}

	elapsed := now.Sub(s.OpenedAt)
	target := m.policy.SessionCost(s.Kind, elapsed)
	if delta := target.Sub(s.Charged); delta.IsPositive() {
		collected, err := m.settle(ctx, s, delta, target)
		if err != nil {
			return nil, err
		}
		s.Charged = s.Charged.Add(collected)
		s.Shortfall = delta.Sub(collected)
	}

	s.Status = next
	s.LastHeartbeatAt = now
	s.AccumulatedUnchargedSeconds = m.unchargedSeconds(s, elapsed)
	closedAt := now
	s.ClosedAt = &closedAt

	metrics.ActiveSessions.WithLabelValues(string(s.Kind)).Dec()
	metrics.SessionsEnded.WithLabelValues(string(s.Kind), string(s.Status)).Inc()
	if s.Shortfall.IsPositive() {
		m.logger.Warn("session closed with unpaid usage",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID),
			zap.String("shortfall", s.Shortfall.String()),
		)
	}
	m.logger.Info("session closed",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Duration("elapsed", elapsed),
		zap.String("charged", s.Charged.String()),
	)
	m.publish(ctx, events.EventSessionClosed, *s, map[string]interface{}{
		"charged":   s.Charged.String(),
		"shortfall": s.Shortfall.String(),
	})

	out := *s
	return &out, nil
}

// settle takes delta for the final settlement, falling back to whatever the
// user still holds. It returns the amount collected.
func (m *Manager) settle(ctx context.Context, s *models.Session, delta, target decimal.Decimal) (decimal.Decimal, error) {
	req := ledger.AppendRequest{
		UserID:                s.UserID,
		Amount:                delta.Neg(),
		Reason:                tickReason(s.Kind),
		ExternalTransactionID: fmt.Sprintf("session:%s:final", s.ID),
		Metadata:              map[string]string{"session_id": s.ID, "kind": string(s.Kind), "settlement": "final"},
	}
	_, err := m.store.Append(ctx, req)
	switch {
	case err == nil:
		m.publishConsumed(ctx, *s, delta, req.Reason)
		return delta, nil
	case ledger.IsDuplicate(err):
		return delta, nil
	case !ledger.IsInsufficientBalance(err):
		return decimal.Zero, err
	}

	balance, err := m.store.Balance(ctx, s.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	if !balance.IsPositive() {
		return decimal.Zero, nil
	}

	partial := decimal.Min(balance, delta)
	req.Amount = partial.Neg()
	req.ExternalTransactionID = fmt.Sprintf("session:%s:final-partial", s.ID)
	req.Metadata["target"] = target.String()
	if _, err := m.store.Append(ctx, req); err != nil {
		if ledger.IsInsufficientBalance(err) {
			return decimal.Zero, nil
		}
		if ledger.IsDuplicate(err) {
			return partial, nil
		}
		return decimal.Zero, err
	}
	m.publishConsumed(ctx, *s, partial, req.Reason)
	return partial, nil
}

// Get returns a copy of a session owned by userID, in any state.
func (m *Manager) Get(sessionID, userID string) (*models.Session, error) {
	t, err := m.lookup(sessionID, userID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	return &s, nil
}

// Len returns the number of tracked sessions, finished ones included until
// they are evicted.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(sessionID, userID string) (*tracked, error) {
	m.mu.RLock()
	t, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	// owner never changes after open
	if t.session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return t, nil
}

// expireLocked moves an active session to expired. The caller holds t.mu.
func (m *Manager) expireLocked(ctx context.Context, s *models.Session, now time.Time, why string) {
	next, err := Transition(s.Status, TriggerExpire)
	if err != nil {
		return
	}
	s.Status = next
	expiredAt := now
	s.ClosedAt = &expiredAt

	metrics.ActiveSessions.WithLabelValues(string(s.Kind)).Dec()
	metrics.SessionsEnded.WithLabelValues(string(s.Kind), string(s.Status)).Inc()
	m.logger.Info("session expired",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("reason", why),
	)
	m.publish(ctx, events.EventSessionExpired, *s, map[string]interface{}{
		"reason":  why,
		"charged": s.Charged.String(),
	})
}

// unchargedSeconds is the usage time the charged amount does not cover.
func (m *Manager) unchargedSeconds(s *models.Session, elapsed time.Duration) float64 {
	rate := m.policy.Rate(s.Kind)
	if rate.Increment.IsZero() {
		return 0
	}
	steps := s.Charged.Div(rate.Increment).IntPart()
	covered := time.Duration(steps) * rate.Granularity
	if elapsed <= covered {
		return 0
	}
	return (elapsed - covered).Seconds()
}

func (m *Manager) publish(ctx context.Context, t events.EventType, s models.Session, payload map[string]interface{}) {
	if m.publisher == nil {
		return
	}
	payload["session_id"] = s.ID
	payload["kind"] = string(s.Kind)
	m.publisher.Publish(ctx, events.NewEvent(t, s.UserID, payload))
}

func (m *Manager) publishConsumed(ctx context.Context, s models.Session, amount decimal.Decimal, reason string) {
	m.publish(ctx, events.EventTokensConsumed, s, map[string]interface{}{
		"amount": amount.String(),
		"reason": reason,
	})
}

func upfrontReason(kind models.SessionKind) string {
	if kind == models.SessionRealtime {
		return models.ReasonRealtimeUpfront
	}
	return models.ReasonPracticeUpfront
}

func tickReason(kind models.SessionKind) string {
	if kind == models.SessionRealtime {
		return models.ReasonRealtimeTick
	}
	return models.ReasonPracticeTick
}

// tickTransactionID keys a tick by the running total it brings the session
// to, so a retried heartbeat never charges the same step twice.
func tickTransactionID(sessionID string, target decimal.Decimal) string {
	return fmt.Sprintf("session:%s:tick:%s", sessionID, target.StringFixed(ledger.Precision))
}
