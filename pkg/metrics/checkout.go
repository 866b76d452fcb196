package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics records checkout state machine, verifier and delivery activity.
type CheckoutMetrics struct {
	operations      *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	verifications   *prometheus.CounterVec
	verifyDuration  *prometheus.HistogramVec
	settlements     *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
}

// NewCheckoutMetrics registers the checkout metrics on the provided registerer.
// A nil registerer yields a recorder whose methods are no-ops.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_operations_total",
		Help: "Checkout entry point calls by outcome.",
	}, []string{"operation", "outcome"})
	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_operation_duration_seconds",
		Help:    "Duration of checkout entry point calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_requests_total",
		Help: "Payment proof verifications by method and result reason.",
	}, []string{"method", "reason"})
	verifyDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verifier_duration_seconds",
		Help:    "Duration of payment proof verifications in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Settlement attempts by method and outcome.",
	}, []string{"method", "outcome"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_required_total",
		Help: "Settlements pinned for manual reconciliation.",
	}, []string{"method"})
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_total",
		Help: "Outbound delivery attempts by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(operations, opDuration, verifications, verifyDuration, settlements, reconciliations, deliveries)
	return &CheckoutMetrics{
		operations:      operations,
		opDuration:      opDuration,
		verifications:   verifications,
		verifyDuration:  verifyDuration,
		settlements:     settlements,
		reconciliations: reconciliations,
		deliveries:      deliveries,
	}
}

// ObserveOperation records one entry point call.
func (m *CheckoutMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
	m.opDuration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

// ObserveVerification records one verifier call.
func (m *CheckoutMetrics) ObserveVerification(method, reason string, duration time.Duration) {
	if m == nil || m.verifications == nil {
		return
	}
	m.verifications.WithLabelValues(normalizeLabel(method), normalizeLabel(reason)).Inc()
	m.verifyDuration.WithLabelValues(normalizeLabel(method)).Observe(duration.Seconds())
}

func (m *CheckoutMetrics) IncSettlement(method, outcome string) {
	if m == nil || m.settlements == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}

func (m *CheckoutMetrics) IncReconciliation(method string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(normalizeLabel(method)).Inc()
}

func (m *CheckoutMetrics) IncDelivery(outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
