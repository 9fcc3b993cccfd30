package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry reasons.
const (
	ReasonPurchase        = "purchase"
	ReasonRenewal         = "renewal"
	ReasonAdminGrant      = "admin_grant"
	ReasonPracticeUpfront = "practice_upfront"
	ReasonRealtimeUpfront = "realtime_upfront"
	ReasonPracticeTick    = "practice_tick"
	ReasonRealtimeTick    = "realtime_tick"
	ReasonActionCharge    = "action_charge"
)

// LedgerEntry is one immutable balance movement. Positive amounts are
// grants, negative amounts consumption.
type LedgerEntry struct {
	ID                    string            `json:"id"`
	UserID                string            `json:"user_id"`
	Amount                decimal.Decimal   `json:"amount"`
	Reason                string            `json:"reason"`
	ExternalTransactionID *string           `json:"external_transaction_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// SessionKind selects the rounding rules of a metered session.
type SessionKind string

const (
	SessionPractice SessionKind = "practice"
	SessionRealtime SessionKind = "realtime"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	return k == SessionPractice || k == SessionRealtime
}

// SessionStatus is the lifecycle state of a metered session.
type SessionStatus string

const (
	SessionNone    SessionStatus = ""
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
	SessionExpired SessionStatus = "expired"
)

// Session tracks a billable interval of usage.
type Session struct {
	ID                          string          `json:"id"`
	UserID                      string          `json:"user_id"`
	Kind                        SessionKind     `json:"kind"`
	OpenedAt                    time.Time       `json:"opened_at"`
	LastHeartbeatAt             time.Time       `json:"last_heartbeat_at"`
	AccumulatedUnchargedSeconds float64         `json:"accumulated_uncharged_seconds"`
	Charged                     decimal.Decimal `json:"charged"`
	Status                      SessionStatus   `json:"status"`
	ClosedAt                    *time.Time      `json:"closed_at,omitempty"`
	// Shortfall is the amount a final settlement could not collect.
	Shortfall decimal.Decimal `json:"shortfall"`
}
