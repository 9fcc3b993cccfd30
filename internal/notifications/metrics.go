package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the event audit and delivery metrics
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	retriesTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide metrics instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			eventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledger_domain_events_total",
					Help: "Domain events observed on the event bus",
				},
				[]string{"event_type"},
			),
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notifications_delivered_total",
					Help: "Event webhook deliveries by outcome",
				},
				[]string{"event_type", "status"},
			),
			deliveryDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "notification_delivery_duration_seconds",
					Help:    "Event webhook delivery duration in seconds",
					Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
				},
			),
			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notification_retries_total",
					Help: "Event webhook retry attempts",
				},
				[]string{"retry_count"},
			),
			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "notification_retry_queue_depth",
					Help: "Current depth of the notification retry queue",
				},
			),
		}
	})
	return metricsInstance
}

// RecordEvent counts one observed domain event.
func (m *Metrics) RecordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery records a delivery attempt
func (m *Metrics) RecordDelivery(eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(eventType, status).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(retryCount int) {
	m.retriesTotal.WithLabelValues(strconv.Itoa(retryCount)).Inc()
}

// SetQueueDepth sets the current retry queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
