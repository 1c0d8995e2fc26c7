package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RPCAttempt("a", time.Millisecond)
		m.RPCError("a", "timeout")
		m.EndpointHealth("a", true)
		m.PriceUpdate("p")
		m.PathSimulated("")
		m.Execution("SUCCESS")
		m.RecoveryLoss(1)
		m.CircuitOpen(true)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Execution("RECOVERED")
	m.Execution("RECOVERED")
	m.RecoveryLoss(0.25)
	m.RecoveryLoss(-1)
	m.CircuitOpen(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("RECOVERED")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.recoveryLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerOpen))
}
