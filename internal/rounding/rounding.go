// Package rounding converts elapsed usage time and one-shot actions into
// token costs. Everything here is pure; nothing touches the ledger.
package rounding

import (
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
	"github.com/shopspring/decimal"
)

// Rate describes how one kind of usage is billed.
type Rate struct {
	PerMinute   decimal.Decimal
	Granularity time.Duration
	// Increment is the token cost of one granularity step.
	Increment decimal.Decimal
	// Floor is the minimum a whole session is ever charged.
	Floor decimal.Decimal
}

// GranularitySeconds is the billing step in whole seconds.
func (r Rate) GranularitySeconds() int64 {
	return int64(r.Granularity / time.Second)
}

// Rates are the published constants a client can use to estimate costs.
type Rates struct {
	Practice   RateView        `json:"practice"`
	Realtime   RateView        `json:"realtime"`
	FlatAction decimal.Decimal `json:"flat_action_tokens"`
}

// RateView is the JSON shape of a Rate.
type RateView struct {
	PerMinute        decimal.Decimal `json:"tokens_per_minute"`
	IncrementSeconds int64           `json:"increment_seconds"`
	IncrementTokens  decimal.Decimal `json:"increment_tokens"`
	MinimumTokens    decimal.Decimal `json:"minimum_tokens"`
	UpfrontTokens    decimal.Decimal `json:"upfront_tokens"`
}

// Policy holds the billing constants. It is immutable after construction.
type Policy struct {
	practice   Rate
	realtime   Rate
	flatAction decimal.Decimal
}

// Prices configures a Policy.
type Prices struct {
	PracticePerMinute decimal.Decimal
	PracticeStep      time.Duration
	RealtimePerMinute decimal.Decimal
	RealtimeStep      time.Duration
	RealtimeFloor     decimal.Decimal
	FlatAction        decimal.Decimal
}

// DefaultPrices is the production price list: practice at 1 token/min in
// 15 s steps, realtime at 3 tokens/min in 10 s steps with a 2 token floor,
// and half a token per scored typed answer.
var DefaultPrices = Prices{
	PracticePerMinute: decimal.NewFromInt(1),
	PracticeStep:      15 * time.Second,
	RealtimePerMinute: decimal.NewFromInt(3),
	RealtimeStep:      10 * time.Second,
	RealtimeFloor:     decimal.NewFromInt(2),
	FlatAction:        decimal.RequireFromString("0.5"),
}

// NewPolicy builds a policy. Increment costs are derived from the per-minute
// rate and the step.
func NewPolicy(prices Prices) *Policy {
	practice := newRate(prices.PracticePerMinute, prices.PracticeStep)
	practice.Floor = practice.Increment

	realtime := newRate(prices.RealtimePerMinute, prices.RealtimeStep)
	realtime.Floor = decimal.Max(prices.RealtimeFloor, realtime.Increment)

	return &Policy{practice: practice, realtime: realtime, flatAction: prices.FlatAction}
}

// Default returns the policy for DefaultPrices.
func Default() *Policy {
	return NewPolicy(DefaultPrices)
}

func newRate(perMinute decimal.Decimal, step time.Duration) Rate {
	increment := perMinute.Mul(decimal.NewFromInt(int64(step))).Div(decimal.NewFromInt(int64(time.Minute)))
	return Rate{PerMinute: perMinute, Granularity: step, Increment: increment.Round(4)}
}

// Increments returns how many granularity steps d spans, rounding up. Any
// positive duration counts as at least one step.
func Increments(d, granularity time.Duration) int64 {
	if d <= 0 || granularity <= 0 {
		return 0
	}
	return int64((d + granularity - 1) / granularity)
}

// PracticeCost is the total charge for d of practice usage. Very short
// usage still costs one increment.
func (p *Policy) PracticeCost(d time.Duration) decimal.Decimal {
	return p.cost(p.practice, d)
}

// RealtimeCost is the total charge for a realtime session of length d,
// never less than the per-session floor.
func (p *Policy) RealtimeCost(d time.Duration) decimal.Decimal {
	return p.cost(p.realtime, d)
}

func (p *Policy) cost(r Rate, d time.Duration) decimal.Decimal {
	n := Increments(d, r.Granularity)
	total := r.Increment.Mul(decimal.NewFromInt(n))
	return decimal.Max(total, r.Floor)
}

// SessionCost dispatches on the session kind.
func (p *Policy) SessionCost(kind models.SessionKind, d time.Duration) decimal.Decimal {
	if kind == models.SessionRealtime {
		return p.RealtimeCost(d)
	}
	return p.PracticeCost(d)
}

// UpfrontCharge is the block taken when a session opens: one increment for
// practice, the session floor for realtime.
func (p *Policy) UpfrontCharge(kind models.SessionKind) decimal.Decimal {
	return p.Rate(kind).Floor
}

// Rate returns the billing rate for kind.
func (p *Policy) Rate(kind models.SessionKind) Rate {
	if kind == models.SessionRealtime {
		return p.realtime
	}
	return p.practice
}

// FlatActionCost is the price of one discrete action.
func (p *Policy) FlatActionCost() decimal.Decimal {
	return p.flatAction
}

// Rates returns the constants published to clients.
func (p *Policy) Rates() Rates {
	return Rates{
		Practice:   p.view(models.SessionPractice),
		Realtime:   p.view(models.SessionRealtime),
		FlatAction: p.flatAction,
	}
}

func (p *Policy) view(kind models.SessionKind) RateView {
	r := p.Rate(kind)
	return RateView{
		PerMinute:        r.PerMinute,
		IncrementSeconds: r.GranularitySeconds(),
		IncrementTokens:  r.Increment,
		MinimumTokens:    r.Floor,
		UpfrontTokens:    p.UpfrontCharge(kind),
	}
}
