package grants

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sources of purchase notifications. The source prefixes every transaction
// id written to the ledger.
const (
	SourcePurchases = "purchases"
	SourceStripe    = "stripe"
)

// purchaseKinds maps purchase SDK event types to their effect. Unlisted
// types are acknowledged and ignored.
var purchaseKinds = map[string]Kind{
	"INITIAL_PURCHASE":      KindPurchase,
	"NON_RENEWING_PURCHASE": KindPurchase,
	"RENEWAL":               KindRenewal,
	"CANCELLATION":          KindCancellation,
	"EXPIRATION":            KindCancellation,
}

type purchasePayload struct {
	APIVersion string `json:"api_version"`
	Event      struct {
		ID                    string `json:"id"`
		Type                  string `json:"type"`
		AppUserID             string `json:"app_user_id"`
		OriginalAppUserID     string `json:"original_app_user_id"`
		ProductID             string `json:"product_id"`
		TransactionID         string `json:"transaction_id"`
		OriginalTransactionID string `json:"original_transaction_id"`
		Store                 string `json:"store"`
		Environment           string `json:"environment"`
	} `json:"event"`
}

// ParsePurchaseEvent decodes a purchase SDK webhook body.
func ParsePurchaseEvent(body []byte) (Event, error) {
	var p purchasePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("decode purchase webhook: %w", err)
	}
	if p.Event.Type == "" {
		return Event{}, errors.New("purchase webhook has no event type")
	}

	userID := p.Event.AppUserID
	if userID == "" {
		userID = p.Event.OriginalAppUserID
	}

	eventType := strings.ToUpper(p.Event.Type)
	return Event{
		Source:        SourcePurchases,
		ID:            p.Event.ID,
		Type:          eventType,
		Kind:          purchaseKinds[eventType],
		UserID:        userID,
		ProductID:     p.Event.ProductID,
		TransactionID: p.Event.TransactionID,
	}, nil
}
