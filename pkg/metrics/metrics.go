package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tokens_granted_total",
			Help: "Tokens granted to users",
		},
		[]string{"reason"},
	)

	TokensConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tokens_consumed_total",
			Help: "Tokens consumed by users",
		},
		[]string{"reason"},
	)

	InsufficientBalance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_insufficient_balance_total",
			Help: "Debits rejected because the balance would go negative",
		},
		[]string{"operation"},
	)

	DuplicateTransactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_duplicate_transactions_total",
			Help: "Appends skipped because the external transaction id already existed",
		},
	)

	WebhookOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_webhook_outcomes_total",
			Help: "Purchase webhook deliveries by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metered_sessions_active",
			Help: "Metered sessions currently active",
		},
		[]string{"kind"},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metered_sessions_ended_total",
			Help: "Metered sessions by kind and final status",
		},
		[]string{"kind", "status"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_store_operation_seconds",
			Help:    "Ledger store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
)

// RecordMovement books a ledger movement on the grant or consume counter.
func RecordMovement(reason string, amount float64) {
	if amount >= 0 {
		TokensGranted.WithLabelValues(reason).Add(amount)
		return
	}
	TokensConsumed.WithLabelValues(reason).Add(-amount)
}
