package gateway

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/rounding"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
	Rates   rounding.Rates  `json:"rates"`
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	balance, err := g.opts.Balances.Balance(r.Context(), userID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, balanceResponse{
		UserID:  userID,
		Balance: balance,
		Rates:   g.opts.Policy.Rates(),
	})
}

type ensureRequest struct {
	Minimum *decimal.Decimal `json:"minimum" validate:"required"`
}

func (g *Gateway) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var req ensureRequest
	if !g.decode(w, r, &req) {
		return
	}

	decision, err := g.opts.Gate.Ensure(r.Context(), userFromContext(r.Context()), *req.Minimum)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusPaymentRequired
	}
	g.writeJSON(w, status, decision)
}

type openSessionRequest struct {
	Kind string `json:"kind" validate:"required,oneof=practice realtime"`
}

type sessionResponse struct {
	Session *models.Session  `json:"session"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

func (g *Gateway) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !g.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID := userFromContext(ctx)
	s, err := g.opts.Sessions.Open(ctx, userID, models.SessionKind(req.Kind))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, sessionResponse{Session: s, Balance: g.balanceAfter(r, userID)})
}

type heartbeatRequest struct {
	SessionID      string   `json:"session_id" validate:"required"`
	ElapsedSeconds *float64 `json:"elapsed_seconds" validate:"omitempty,gte=0"`
}

type heartbeatResponse struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Charged   decimal.Decimal      `json:"charged"`
	Delta     decimal.Decimal      `json:"delta"`
	Balance   decimal.Decimal      `json:"balance"`
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !g.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	res, err := g.opts.Sessions.Heartbeat(ctx, req.SessionID, userFromContext(ctx), seconds(req.ElapsedSeconds))
	if err != nil {
		if res != nil && ledger.IsInsufficientBalance(err) {
			g.writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"session_id": res.Session.ID,
				"status":     res.Session.Status,
				"charged":    res.Session.Charged,
				"error": map[string]string{
					"message": "balance exhausted, session expired",
					"type":    "insufficient_balance",
				},
			})
			return
		}
		g.writeServiceError(w, r, err)
		return
	}

	g.writeJSON(w, http.StatusOK, heartbeatResponse{
		SessionID: res.Session.ID,
		Status:    res.Session.Status,
		Charged:   res.Session.Charged,
		Delta:     res.Delta,
		Balance:   res.Balance,
	})
}

type closeSessionRequest struct {
	SessionID       string   `json:"session_id" validate:"required"`
	DurationSeconds *float64 `json:"duration_seconds" validate:"omitempty,gte=0"`
}

type closeSessionResponse struct {
	SessionID       string               `json:"session_id"`
	Status          models.SessionStatus `json:"status"`
	DurationSeconds int64                `json:"duration_seconds"`
	Charged         decimal.Decimal      `json:"charged"`
	Shortfall       decimal.Decimal      `json:"shortfall"`
	Balance         *decimal.Decimal     `json:"balance,omitempty"`
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req closeSessionRequest
	if !g.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID := userFromContext(ctx)
	s, err := g.opts.Sessions.Close(ctx, req.SessionID, userID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	var duration time.Duration
	if s.ClosedAt != nil {
		duration = s.ClosedAt.Sub(s.OpenedAt)
	}
	if req.DurationSeconds != nil {
		g.logger.Debug("client reported session duration",
			zap.String("session_id", s.ID),
			zap.Float64("reported_seconds", *req.DurationSeconds),
			zap.Duration("server_duration", duration),
		)
	}

	g.writeJSON(w, http.StatusOK, closeSessionResponse{
		SessionID:       s.ID,
		Status:          s.Status,
		DurationSeconds: int64(math.Ceil(duration.Seconds())),
		Charged:         s.Charged,
		Shortfall:       s.Shortfall,
		Balance:         g.balanceAfter(r, userID),
	})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := g.opts.Sessions.Get(chi.URLParam(r, "session_id"), userFromContext(ctx))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sessionResponse{Session: s})
}

type chargeActionRequest struct {
	Action         string `json:"action" validate:"required,max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

type chargeActionResponse struct {
	Charged   decimal.Decimal `json:"charged"`
	Balance   decimal.Decimal `json:"balance"`
	Duplicate bool            `json:"duplicate"`
	EntryID   string          `json:"entry_id,omitempty"`
}

// handleChargeAction bills one flat-priced action such as scoring a typed
// answer. A retried call carrying the same idempotency key is charged once.
func (g *Gateway) handleChargeAction(w http.ResponseWriter, r *http.Request) {
	var req chargeActionRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	ctx := r.Context()
	userID := userFromContext(ctx)
	cost := g.opts.Policy.FlatActionCost()

	appendReq := ledger.AppendRequest{
		UserID:   userID,
		Amount:   cost.Neg(),
		Reason:   models.ReasonActionCharge,
		Metadata: map[string]string{"action": req.Action},
	}
	if req.IdempotencyKey != "" {
		appendReq.ExternalTransactionID = fmt.Sprintf("action:%s:%s", userID, req.IdempotencyKey)
	}

	entry, err := g.opts.Store.Append(ctx, appendReq)
	duplicate := ledger.IsDuplicate(err)
	if err != nil && !duplicate {
		g.writeServiceError(w, r, err)
		return
	}

	resp := chargeActionResponse{Charged: cost, Duplicate: duplicate}
	if duplicate {
		// the replay debits nothing
		resp.Charged = decimal.Zero
	}
	if entry != nil {
		resp.EntryID = entry.ID
	}
	if !duplicate {
		g.publish(r, events.EventTokensConsumed, userID, map[string]interface{}{
			"amount": cost.String(),
			"reason": models.ReasonActionCharge,
			"action": req.Action,
		})
	}
	if b := g.balanceAfter(r, userID); b != nil {
		resp.Balance = *b
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// balanceAfter reads the balance for a response after a successful
// mutation; a failed read is logged and omitted.
func (g *Gateway) balanceAfter(r *http.Request, userID string) *decimal.Decimal {
	balance, err := g.opts.Balances.Balance(r.Context(), userID)
	if err != nil {
		return nil
	}
	return &balance
}

func seconds(v *float64) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v * float64(time.Second))
}
