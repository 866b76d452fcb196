package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCheckoutMetrics_NilSafe(t *testing.T) {
	var m *CheckoutMetrics
	m.ObserveOperation("start", "ok", time.Millisecond)
	m.IncSettlement("voucher", "settled")

	empty := NewCheckoutMetrics(nil)
	empty.IncReconciliation("bank_slip")
	empty.IncDelivery("sent")
}

func TestCheckoutMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCheckoutMetrics(reg)

	m.ObserveOperation("submit_proof", "settled", 10*time.Millisecond)
	m.ObserveOperation("submit_proof", "settled", 20*time.Millisecond)
	m.IncReconciliation("")
	m.IncSettlement("redemption_code", "settled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("submit_proof", "settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("redemption_code", "settled")))
}
