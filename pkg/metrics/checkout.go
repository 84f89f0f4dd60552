package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics tracks checkout outcomes and payment signal handling.
type CheckoutMetrics struct {
	attempts *prometheus.CounterVec
	duration prometheus.Histogram
	signals  *prometheus.CounterVec
	recovery *prometheus.CounterVec
}

// NewCheckoutMetrics registers checkout/payment metrics on reg. A nil reg yields
// a no-op recorder.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	m := &CheckoutMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_attempts_total",
			Help: "Checkout requests by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_duration_seconds",
			Help:    "Wall time spent converting a cart into an order.",
			Buckets: prometheus.DefBuckets,
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_signals_total",
			Help: "Gateway payment signals by outcome.",
		}, []string{"outcome"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stuck_state_recoveries_total",
			Help: "Records moved out of a stuck state, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.attempts, m.duration, m.signals, m.recovery)
	return m
}

// ObserveCheckout records one checkout outcome (created, replayed, conflict, rejected, failed).
func (m *CheckoutMetrics) ObserveCheckout(outcome string, took time.Duration) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.duration.Observe(took.Seconds())
}

// IncSignal counts a resolved payment signal (paid, cancelled, need_review, ignored).
func (m *CheckoutMetrics) IncSignal(outcome string) {
	if m == nil || m.signals == nil {
		return
	}
	m.signals.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// AddRecovered counts records released from a stuck state.
func (m *CheckoutMetrics) AddRecovered(kind string, n int) {
	if m == nil || m.recovery == nil || n <= 0 {
		return
	}
	m.recovery.WithLabelValues(normalizeLabel(kind)).Add(float64(n))
}
