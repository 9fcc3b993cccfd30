package grants

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache/cachetest"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	testSecret       = "rc_shared_secret"
	testStripeSecret = "whsec_test_secret"
)

var testProducts = map[string]decimal.Decimal{
	"tokens_120":         decimal.NewFromInt(120),
	"sub_monthly_pro":    decimal.NewFromInt(600),
	"price_sub_pro_mthl": decimal.NewFromInt(600),
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store     ledger.Store
	handler   *WebhookHandler
	publisher *recordingPublisher
}

func newFixture(t *testing.T, store ledger.Store, lock EventLock) *fixture {
	t.Helper()
	if store == nil {
		store = ledger.NewMemoryStore(4, nil)
	}
	pub := &recordingPublisher{}
	ing, err := NewIngester(store, testProducts, pub, zap.NewNop())
	require.NoError(t, err)
	h, err := NewWebhookHandler(HandlerConfig{Secret: testSecret, StripeSecret: testStripeSecret}, ing, lock, zap.NewNop())
	require.NoError(t, err)
	return &fixture{store: store, handler: h, publisher: pub}
}

func purchaseBody(eventID, eventType, userID, productID, txid string) []byte {
	body, _ := json.Marshal(map[string]any{
		"api_version": "1.0",
		"event": map[string]any{
			"id":             eventID,
			"type":           eventType,
			"app_user_id":    userID,
			"product_id":     productID,
			"transaction_id": txid,
		},
	})
	return body
}

func (f *fixture) postPurchase(t *testing.T, auth string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/purchases", bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	f.handler.HandlePurchases(w, req)
	return w
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := f.store.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func decodeAck(t *testing.T, w *httptest.ResponseRecorder) ack {
	t.Helper()
	var a ack
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	return a
}

func TestPurchaseWebhookAuthentication(t *testing.T) {
	tests := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"wrong secret", "Bearer nope"},
		{"secret prefix", testSecret[:5]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			w := f.postPurchase(t, tt.auth, purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "tokens_120", "tx_1"))

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			entries, err := f.store.Entries(context.Background(), "user-1", 10)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestPurchaseWebhookUnauthorizedSkipsParsing(t *testing.T) {
	f := newFixture(t, nil, nil)
	w := f.postPurchase(t, "Bearer wrong", []byte("{not json"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPurchaseWebhookGrantIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, NewLocalEventLock(cache.NewLocalCache(100, nil), time.Minute))
	body := purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "tokens_120", "tx_1")

	w := f.postPurchase(t, "Bearer "+testSecret, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusGranted, decodeAck(t, w).Status)

	w = f.postPurchase(t, testSecret, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusDuplicate, decodeAck(t, w).Status)

	// a new event id carrying the same store transaction
	w = f.postPurchase(t, testSecret, purchaseBody("evt_2", "INITIAL_PURCHASE", "user-1", "tokens_120", "tx_1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusDuplicate, decodeAck(t, w).Status)

	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(120)))
	assert.Equal(t, []events.EventType{events.EventTokensGranted}, f.publisher.types())
}

func TestPurchaseWebhookUnknownProduct(t *testing.T) {
	f := newFixture(t, nil, nil)
	w := f.postPurchase(t, testSecret, purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "tokens_9999", "tx_1"))

	require.Equal(t, http.StatusOK, w.Code)
	a := decodeAck(t, w)
	assert.True(t, a.Received)
	assert.Equal(t, StatusIgnored, a.Status)
	assert.Equal(t, "unknown_product", a.Reason)

	entries, err := f.store.Entries(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurchaseWebhookProductMatchIgnoresCase(t *testing.T) {
	f := newFixture(t, nil, nil)
	w := f.postPurchase(t, testSecret, purchaseBody("evt_1", "initial_purchase", "user-1", "TOKENS_120", "tx_1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusGranted, decodeAck(t, w).Status)
}

func TestPurchaseWebhookCancellationNeverDebits(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.Equal(t, http.StatusOK, f.postPurchase(t, testSecret,
		purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "sub_monthly_pro", "tx_1")).Code)

	for _, typ := range []string{"CANCELLATION", "EXPIRATION"} {
		w := f.postPurchase(t, testSecret, purchaseBody("evt_"+typ, typ, "user-1", "sub_monthly_pro", "tx_"+typ))
		require.Equal(t, http.StatusOK, w.Code)
		a := decodeAck(t, w)
		assert.Equal(t, StatusIgnored, a.Status)
		assert.Equal(t, "cancellation", a.Reason)
	}

	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(600)))
	assert.Contains(t, f.publisher.types(), events.EventPurchaseCancelled)
}

func TestPurchaseWebhookRenewalIsAdditive(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.Equal(t, http.StatusOK, f.postPurchase(t, testSecret,
		purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "sub_monthly_pro", "tx_1")).Code)
	require.Equal(t, http.StatusOK, f.postPurchase(t, testSecret,
		purchaseBody("evt_2", "RENEWAL", "user-1", "sub_monthly_pro", "tx_2")).Code)

	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(1200)))

	entries, err := f.store.Entries(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ReasonRenewal, entries[0].Reason)
	assert.Equal(t, "purchases:tx_2", *entries[0].ExternalTransactionID)
}

func TestPurchaseWebhookIgnoresOtherEvents(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		reason string
	}{
		{"unsupported type", purchaseBody("evt_1", "PRODUCT_CHANGE", "user-1", "tokens_120", "tx_1"), "unsupported_event"},
		{"missing user", purchaseBody("evt_1", "INITIAL_PURCHASE", "", "tokens_120", "tx_1"), "missing_user"},
		{"malformed json", []byte(`{"event": [`), "malformed_payload"},
		{"no event type", []byte(`{"event": {}}`), "malformed_payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			w := f.postPurchase(t, testSecret, tt.body)

			require.Equal(t, http.StatusOK, w.Code)
			a := decodeAck(t, w)
			assert.Equal(t, StatusIgnored, a.Status)
			assert.Equal(t, tt.reason, a.Reason)
		})
	}
}

func TestPurchaseWebhookFallsBackToEventID(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := purchaseBody("evt_no_tx", "NON_RENEWING_PURCHASE", "user-1", "tokens_120", "")

	require.Equal(t, http.StatusOK, f.postPurchase(t, testSecret, body).Code)
	require.Equal(t, http.StatusOK, f.postPurchase(t, testSecret, body).Code)
	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(120)))
}

// flakyStore fails the first n appends with a store outage.
type flakyStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Append(ctx context.Context, req ledger.AppendRequest) (*models.LedgerEntry, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, fmt.Errorf("append: %w", ledger.ErrStoreUnavailable)
	}
	s.mu.Unlock()
	return s.Store.Append(ctx, req)
}

func TestPurchaseWebhookStoreOutageAsksForRetry(t *testing.T) {
	store := &flakyStore{Store: ledger.NewMemoryStore(4, nil), failures: 1}
	f := newFixture(t, store, NewLocalEventLock(cache.NewLocalCache(100, nil), time.Minute))
	body := purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "tokens_120", "tx_1")

	w := f.postPurchase(t, testSecret, body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// the failed delivery released its reservation
	w = f.postPurchase(t, testSecret, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusGranted, decodeAck(t, w).Status)
	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(120)))
}

func TestPurchaseWebhookInFlightDelivery(t *testing.T) {
	local := cache.NewLocalCache(100, nil)
	lock := NewLocalEventLock(local, time.Minute)
	f := newFixture(t, nil, lock)

	state, err := lock.Reserve(context.Background(), "purchases:evt_1")
	require.NoError(t, err)
	require.Equal(t, Reserved, state)

	w := f.postPurchase(t, testSecret, purchaseBody("evt_1", "INITIAL_PURCHASE", "user-1", "tokens_120", "tx_1"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, f.balance(t, "user-1").IsZero())
}

func TestRedisEventLock(t *testing.T) {
	c, mr := cachetest.New(t)
	lock := NewRedisEventLock(c, time.Minute, zap.NewNop())
	ctx := context.Background()

	state, err := lock.Reserve(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.Equal(t, Reserved, state)

	state, err = lock.Reserve(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, state)

	lock.Finalize(ctx, "stripe:evt_1", true)
	state, err = lock.Reserve(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, state)

	_, err = lock.Reserve(ctx, "stripe:evt_2")
	require.NoError(t, err)
	lock.Finalize(ctx, "stripe:evt_2", false)
	assert.False(t, mr.Exists("webhooks:stripe:evt_2"))
}

func TestNewIngesterValidation(t *testing.T) {
	_, err := NewIngester(ledger.NewMemoryStore(1, nil), nil, nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewIngester(ledger.NewMemoryStore(1, nil), map[string]decimal.Decimal{"free": decimal.Zero}, nil, zap.NewNop())
	require.Error(t, err)

	ing, err := NewIngester(ledger.NewMemoryStore(1, nil), testProducts, nil, zap.NewNop())
	require.NoError(t, err)
	_, err = NewWebhookHandler(HandlerConfig{}, ing, nil, zap.NewNop())
	require.Error(t, err)
}

func stripeSignature(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	now := time.Now().Unix()
	signature := webhook.ComputeSignature(time.Unix(now, 0), payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(signature))
}

func stripeEvent(id, eventType string, object map[string]any) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"api_version": "2023-10-16",
		"type":        eventType,
		"data":        map[string]any{"object": object},
	})
	return body
}

func (f *fixture) postStripe(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	f.handler.HandleStripe(w, req)
	return w
}

func TestStripeWebhookSignatureVerification(t *testing.T) {
	payload := stripeEvent("evt_123", "checkout.session.completed", map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "payment", "payment_status": "paid",
		"client_reference_id": "user-1", "metadata": map[string]string{"product_id": "tokens_120"},
	})

	tests := []struct {
		name           string
		signature      string
		expectedStatus int
	}{
		{"no signature", "", http.StatusUnauthorized},
		{"invalid signature", "t=123,v1=invalid", http.StatusUnauthorized},
		{"wrong secret", stripeSignature(t, payload, "whsec_other"), http.StatusUnauthorized},
		{"valid signature", stripeSignature(t, payload, testStripeSecret), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			w := f.postStripe(t, payload, tt.signature)
			assert.Equal(t, tt.expectedStatus, w.Code)

			want := decimal.Zero
			if tt.expectedStatus == http.StatusOK {
				want = decimal.NewFromInt(120)
			}
			assert.True(t, f.balance(t, "user-1").Equal(want))
		})
	}
}

func TestStripeWebhookEvents(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		status  Status
		balance int64
	}{
		{
			name: "subscription checkout waits for invoice",
			payload: stripeEvent("evt_1", "checkout.session.completed", map[string]any{
				"id": "cs_1", "object": "checkout.session", "mode": "subscription", "payment_status": "paid",
				"client_reference_id": "user-1", "metadata": map[string]string{"product_id": "sub_monthly_pro"},
			}),
			status: StatusIgnored,
		},
		{
			name: "unpaid checkout",
			payload: stripeEvent("evt_2", "checkout.session.completed", map[string]any{
				"id": "cs_2", "object": "checkout.session", "mode": "payment", "payment_status": "unpaid",
				"client_reference_id": "user-1", "metadata": map[string]string{"product_id": "tokens_120"},
			}),
			status: StatusIgnored,
		},
		{
			name: "renewal invoice",
			payload: stripeEvent("evt_3", "invoice.payment_succeeded", map[string]any{
				"id": "in_1", "object": "invoice", "billing_reason": "subscription_cycle",
				"lines": map[string]any{
					"object": "list",
					"data": []map[string]any{{
						"id": "il_1", "object": "line_item",
						"metadata": map[string]string{"user_id": "user-1"},
						"price":    map[string]any{"id": "price_sub_pro_mthl", "object": "price"},
					}},
				},
			}),
			status:  StatusGranted,
			balance: 600,
		},
		{
			name: "subscription deleted",
			payload: stripeEvent("evt_4", "customer.subscription.deleted", map[string]any{
				"id": "sub_1", "object": "subscription", "metadata": map[string]string{"user_id": "user-1"},
			}),
			status: StatusIgnored,
		},
		{
			name:    "unrelated event",
			payload: stripeEvent("evt_5", "payment_intent.created", map[string]any{"id": "pi_1", "object": "payment_intent"}),
			status:  StatusIgnored,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			w := f.postStripe(t, tt.payload, stripeSignature(t, tt.payload, testStripeSecret))

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.status, decodeAck(t, w).Status)
			assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(tt.balance)))
		})
	}
}

func TestStripeWebhookIdempotencyWithRedisLock(t *testing.T) {
	c, _ := cachetest.New(t)
	f := newFixture(t, nil, NewRedisEventLock(c, time.Minute, zap.NewNop()))

	payload := stripeEvent("evt_dup", "checkout.session.completed", map[string]any{
		"id": "cs_dup", "object": "checkout.session", "mode": "payment", "payment_status": "paid",
		"client_reference_id": "user-1", "metadata": map[string]string{"product_id": "tokens_120"},
	})
	sig := stripeSignature(t, payload, testStripeSecret)

	first := f.postStripe(t, payload, sig)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, StatusGranted, decodeAck(t, first).Status)

	second := f.postStripe(t, payload, sig)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, StatusDuplicate, decodeAck(t, second).Status)

	assert.True(t, f.balance(t, "user-1").Equal(decimal.NewFromInt(120)))
}

func TestStripeWebhookDisabled(t *testing.T) {
	ing, err := NewIngester(ledger.NewMemoryStore(1, nil), testProducts, nil, zap.NewNop())
	require.NoError(t, err)
	h, err := NewWebhookHandler(HandlerConfig{Secret: testSecret}, ing, nil, zap.NewNop())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleStripe(w, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{}"))))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
