package gateway

import (
	"net/http"
	"strconv"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/internal/ledger"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/events"
	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (g *Gateway) handleAdminBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	balance, err := g.opts.Balances.Balance(r.Context(), userID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

func (g *Gateway) handleAdminEntries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	limit := ledger.DefaultEntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.writeError(w, http.StatusBadRequest, "limit must be a positive integer", "invalid_request_error")
			return
		}
		limit = n
	}

	entries, err := g.opts.Store.Entries(r.Context(), userID, limit)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": entries,
	})
}

type adminGrantRequest struct {
	Amount         *decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey string           `json:"idempotency_key" validate:"required,max=128"`
	Note           string           `json:"note" validate:"max=256"`
}

type adminGrantResponse struct {
	Entry     *models.LedgerEntry `json:"entry,omitempty"`
	Duplicate bool                `json:"duplicate"`
	Balance   *decimal.Decimal    `json:"balance,omitempty"`
}

// handleAdminGrant books a manual grant, or a negative adjustment, that can
// never overdraw the account.
func (g *Gateway) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var req adminGrantRequest
	if !g.decode(w, r, &req) {
		return
	}

	metadata := map[string]string{"request_id": middleware.GetReqID(r.Context())}
	if req.Note != "" {
		metadata["note"] = req.Note
	}

	entry, err := g.opts.Store.Append(r.Context(), ledger.AppendRequest{
		UserID:                userID,
		Amount:                *req.Amount,
		Reason:                models.ReasonAdminGrant,
		ExternalTransactionID: "admin:" + req.IdempotencyKey,
		Metadata:              metadata,
	})
	duplicate := ledger.IsDuplicate(err)
	if err != nil && !duplicate {
		g.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	} else {
		g.logger.Info("admin grant recorded",
			zap.String("user_id", userID),
			zap.String("amount", req.Amount.String()),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		eventType := events.EventTokensGranted
		if req.Amount.IsNegative() {
			eventType = events.EventTokensConsumed
		}
		g.publish(r, eventType, userID, map[string]interface{}{
			"amount": req.Amount.String(),
			"reason": models.ReasonAdminGrant,
		})
	}

	g.writeJSON(w, status, adminGrantResponse{
		Entry:     entry,
		Duplicate: duplicate,
		Balance:   g.balanceAfter(r, userID),
	})
}

func (g *Gateway) publish(r *http.Request, t events.EventType, userID string, payload map[string]interface{}) {
	if g.opts.Publisher == nil {
		return
	}
	g.opts.Publisher.Publish(r.Context(), events.NewEvent(t, userID, payload))
}
