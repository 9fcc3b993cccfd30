package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/gate"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/grants"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/rounding"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/session"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret  = "jwt-test-secret"
	testAdminToken = "admin-test-token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	gw    *Gateway
	store ledger.Store
	clock *testClock
}

func newTestServer(t *testing.T, limiter Limiter) *testServer {
	t.Helper()
	logger := zap.NewNop()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := ledger.NewMemoryStore(8, clock.Now)
	balances := ledger.NewBalanceService(store, logger)
	g := gate.New(balances, logger)
	policy := rounding.Default()

	sessions, err := session.NewManager(store, g, policy, nil, session.Config{
		HeartbeatTimeout: 90 * time.Second,
		Retention:        10 * time.Minute,
		Clock:            clock.Now,
	}, logger)
	require.NoError(t, err)

	ingester, err := grants.NewIngester(store, map[string]decimal.Decimal{"tokens_120": decimal.NewFromInt(120)}, nil, logger)
	require.NoError(t, err)
	webhooks, err := grants.NewWebhookHandler(grants.HandlerConfig{Secret: "webhook-secret"}, ingester, nil, logger)
	require.NoError(t, err)

	gw, err := NewGateway(Options{
		Store:      store,
		Balances:   balances,
		Gate:       g,
		Sessions:   sessions,
		Policy:     policy,
		Webhooks:   webhooks,
		Limiter:    limiter,
		JWTSecret:  testJWTSecret,
		AdminToken: testAdminToken,
	}, logger)
	require.NoError(t, err)

	return &testServer{gw: gw, store: store, clock: clock}
}

func (s *testServer) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := s.store.Append(context.Background(), ledger.AppendRequest{
		UserID:                userID,
		Amount:                decimal.RequireFromString(amount),
		Reason:                models.ReasonPurchase,
		ExternalTransactionID: "seed:" + userID + ":" + amount,
	})
	require.NoError(t, err)
}

func (s *testServer) balance(t *testing.T, userID string) string {
	t.Helper()
	b, err := s.store.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b.String()
}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T, userID string) string {
	return signToken(t, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}, testJWTSecret)
}

type call struct {
	method string
	path   string
	body   any
	header map[string]string
}

func (s *testServer) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		switch v := c.body.(type) {
		case string:
			body.WriteString(v)
		default:
			require.NoError(t, json.NewEncoder(&body).Encode(v))
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.gw.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, body = s.do(t, call{method: http.MethodGet, path: "/ready"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestUserAuthentication(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-9", "3")

	tests := []struct {
		name   string
		header map[string]string
		status int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"garbage token", bearer("not-a-jwt"), http.StatusUnauthorized},
		{"wrong secret", bearer(signToken(t, jwt.MapClaims{"sub": "user-9"}, "other")), http.StatusUnauthorized},
		{"expired", bearer(signToken(t, jwt.MapClaims{"sub": "user-9", "exp": time.Now().Add(-time.Hour).Unix()}, testJWTSecret)), http.StatusUnauthorized},
		{"no subject", bearer(signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, testJWTSecret)), http.StatusUnauthorized},
		{"sub claim", bearer(userToken(t, "user-9")), http.StatusOK},
		{"user_id claim", bearer(signToken(t, jwt.MapClaims{"user_id": "user-9"}, testJWTSecret)), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, call{method: http.MethodGet, path: "/v1/balance", header: tt.header})
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "user-9", body["user_id"])
				assert.Equal(t, "3", body["balance"])
			}
		})
	}
}

func TestBalancePublishesRates(t *testing.T) {
	s := newTestServer(t, nil)
	w, body := s.do(t, call{method: http.MethodGet, path: "/v1/balance", header: bearer(userToken(t, "user-1"))})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "0", body["balance"])
	rates := body["rates"].(map[string]any)
	practice := rates["practice"].(map[string]any)
	realtime := rates["realtime"].(map[string]any)
	assert.Equal(t, "0.25", practice["increment_tokens"])
	assert.Equal(t, float64(15), practice["increment_seconds"])
	assert.Equal(t, "2", realtime["minimum_tokens"])
	assert.Equal(t, "0.5", rates["flat_action_tokens"])
}

func TestEnsure(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-1", "5")
	auth := bearer(userToken(t, "user-1"))

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"enough", map[string]any{"minimum": "2"}, http.StatusOK},
		{"exactly", map[string]any{"minimum": 5}, http.StatusOK},
		{"too much", map[string]any{"minimum": "5.0001"}, http.StatusPaymentRequired},
		{"negative", map[string]any{"minimum": "-1"}, http.StatusBadRequest},
		{"missing minimum", map[string]any{}, http.StatusBadRequest},
		{"malformed", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, call{method: http.MethodPost, path: "/v1/ensure", body: tt.body, header: auth})
			assert.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusBadRequest {
				assert.Equal(t, tt.status == http.StatusOK, body["allowed"])
				assert.Equal(t, "5", body["balance"])
			}
		})
	}
	assert.Equal(t, "5", s.balance(t, "user-1"))
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-1", "10")
	auth := bearer(userToken(t, "user-1"))

	w, body := s.do(t, call{method: http.MethodPost, path: "/v1/sessions/open", body: map[string]string{"kind": "practice"}, header: auth})
	require.Equal(t, http.StatusCreated, w.Code)
	sess := body["session"].(map[string]any)
	sessionID := sess["id"].(string)
	assert.Equal(t, "active", sess["status"])
	assert.Equal(t, "9.75", body["balance"])

	s.clock.Advance(16 * time.Second)
	w, body = s.do(t, call{method: http.MethodPost, path: "/v1/sessions/heartbeat", body: map[string]any{"session_id": sessionID, "elapsed_seconds": 3}, header: auth})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.25", body["delta"])
	assert.Equal(t, "0.5", body["charged"])
	assert.Equal(t, "9.5", body["balance"])

	w, body = s.do(t, call{method: http.MethodGet, path: "/v1/sessions/" + sessionID, header: auth})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", body["session"].(map[string]any)["status"])

	s.clock.Advance(15 * time.Second)
	w, body = s.do(t, call{method: http.MethodPost, path: "/v1/sessions/close", body: map[string]any{"session_id": sessionID, "duration_seconds": 31}, header: auth})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, "0.75", body["charged"])
	assert.Equal(t, float64(31), body["duration_seconds"])
	assert.Equal(t, "9.25", body["balance"])

	w, body = s.do(t, call{method: http.MethodPost, path: "/v1/sessions/heartbeat", body: map[string]any{"session_id": sessionID}, header: auth})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["type"])
	assert.Equal(t, "9.25", s.balance(t, "user-1"))
}

func TestSessionOpenErrors(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-1", "1")
	auth := bearer(userToken(t, "user-1"))

	w, body := s.do(t, call{method: http.MethodPost, path: "/v1/sessions/open", body: map[string]string{"kind": "realtime"}, header: auth})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_balance", body["error"].(map[string]any)["type"])

	w, body = s.do(t, call{method: http.MethodPost, path: "/v1/sessions/open", body: map[string]string{"kind": "video"}, header: auth})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Contains(t, details, "Kind")

	assert.Equal(t, "1", s.balance(t, "user-1"))
}

func TestHeartbeatExhaustedBalance(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-1", "2.5")
	auth := bearer(userToken(t, "user-1"))

	_, body := s.do(t, call{method: http.MethodPost, path: "/v1/sessions/open", body: map[string]string{"kind": "realtime"}, header: auth})
	sessionID := body["session"].(map[string]any)["id"].(string)

	s.clock.Advance(time.Minute)
	w, body := s.do(t, call{method: http.MethodPost, path: "/v1/sessions/heartbeat", body: map[string]any{"session_id": sessionID}, header: auth})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "expired", body["status"])
	assert.Equal(t, "0.5", s.balance(t, "user-1"))
}

func TestSessionsAreScopedToTheirOwner(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-1", "10")

	_, body := s.do(t, call{method: http.MethodPost, path: "/v1/sessions/open", body: map[string]string{"kind": "practice"}, header: bearer(userToken(t, "user-1"))})
	sessionID := body["session"].(map[string]any)["id"].(string)

	w, _ := s.do(t, call{method: http.MethodPost, path: "/v1/sessions/close", body: map[string]any{"session_id": sessionID}, header: bearer(userToken(t, "user-2"))})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChargeActionIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	s.fund(t, "user-1", "1")
	auth := bearer(userToken(t, "user-1"))
	req := map[string]string{"action": "typed_answer_score", "idempotency_key": "answer-42"}

	w, body := s.do(t, call{method: http.MethodPost, path: "/v1/actions/charge", body: req, header: auth})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["duplicate"])
	assert.Equal(t, "0.5", body["charged"])
	assert.Equal(t, "0.5", body["balance"])

	w, body = s.do(t, call{method: http.MethodPost, path: "/v1/actions/charge", body: req, header: auth})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, "0", body["charged"])
	assert.Equal(t, "0.5", body["balance"])

	header := bearer(userToken(t, "user-1"))
	header["Idempotency-Key"] = "answer-43"
	w, _ = s.do(t, call{method: http.MethodPost, path: "/v1/actions/charge", body: map[string]string{"action": "typed_answer_score"}, header: header})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", s.balance(t, "user-1"))

	w, _ = s.do(t, call{method: http.MethodPost, path: "/v1/actions/charge", body: map[string]string{"action": "typed_answer_score"}, header: auth})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "0", s.balance(t, "user-1"))
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	admin := map[string]string{"X-Admin-Token": testAdminToken}

	w, _ := s.do(t, call{method: http.MethodGet, path: "/admin/users/user-1/balance"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = s.do(t, call{method: http.MethodGet, path: "/admin/users/user-1/balance", header: map[string]string{"X-Admin-Token": "nope"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	grant := map[string]any{"amount": "25", "idempotency_key": "support-1", "note": "goodwill"}
	w, body := s.do(t, call{method: http.MethodPost, path: "/admin/users/user-1/grants", body: grant, header: admin})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "25", body["balance"])

	w, body = s.do(t, call{method: http.MethodPost, path: "/admin/users/user-1/grants", body: grant, header: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, "25", body["balance"])

	w, _ = s.do(t, call{method: http.MethodPost, path: "/admin/users/user-1/grants", body: map[string]any{"amount": "-30", "idempotency_key": "support-2"}, header: admin})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w, _ = s.do(t, call{method: http.MethodPost, path: "/admin/users/user-1/grants", body: map[string]any{"amount": "5"}, header: admin})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, call{method: http.MethodGet, path: "/admin/users/user-1/balance", header: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "25", body["balance"])

	w, body = s.do(t, call{method: http.MethodGet, path: "/admin/users/user-1/entries?limit=10", header: admin})
	require.Equal(t, http.StatusOK, w.Code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, models.ReasonAdminGrant, entry["reason"])
	assert.Equal(t, "admin:support-1", entry["external_transaction_id"])

	w, _ = s.do(t, call{method: http.MethodGet, path: "/admin/users/user-1/entries?limit=zero", header: admin})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, call{method: http.MethodGet, path: "/admin/users/nobody/entries", header: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["entries"])
}

func TestWebhookRoutesDoNotUseBearerAuth(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(t, call{method: http.MethodPost, path: "/webhooks/purchases", body: map[string]any{}, header: bearer(userToken(t, "user-1"))})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	payload := map[string]any{"event": map[string]any{
		"id": "evt_1", "type": "INITIAL_PURCHASE", "app_user_id": "user-1",
		"product_id": "tokens_120", "transaction_id": "tx_1",
	}}
	w, body := s.do(t, call{method: http.MethodPost, path: "/webhooks/purchases", body: payload, header: map[string]string{"Authorization": "webhook-secret"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "granted", body["status"])
	assert.Equal(t, "120", s.balance(t, "user-1"))

	w, _ = s.do(t, call{method: http.MethodPost, path: "/webhooks/stripe", body: map[string]any{}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, NewLocalRateLimiter(2))
	auth := bearer(userToken(t, "user-1"))

	for i := 0; i < 2; i++ {
		w, _ := s.do(t, call{method: http.MethodGet, path: "/v1/balance", header: auth})
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	w, body := s.do(t, call{method: http.MethodGet, path: "/v1/balance", header: auth})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", body["error"].(map[string]any)["type"])

	w, _ = s.do(t, call{method: http.MethodGet, path: "/v1/balance", header: bearer(userToken(t, "user-2"))})
	assert.Equal(t, http.StatusOK, w.Code)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, *RateLimitInfo, error) {
	return false, nil, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	s := newTestServer(t, brokenLimiter{})
	w, _ := s.do(t, call{method: http.MethodGet, path: "/v1/balance", header: bearer(userToken(t, "user-1"))})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("debit: %w", ledger.ErrInsufficientBalance), http.StatusPaymentRequired},
		{session.ErrSessionNotFound, http.StatusNotFound},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{session.ErrInvalidKind, http.StatusBadRequest},
		{fmt.Errorf("append: %w", ledger.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{session.ErrTooManySessions, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestNewGatewayRequiresSecrets(t *testing.T) {
	_, err := NewGateway(Options{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewAuthenticator("")
	assert.Error(t, err)
}
