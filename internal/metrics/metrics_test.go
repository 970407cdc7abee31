package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Delivery("x", "published", "", time.Second)
	m.ClaimConflict("x")
	m.Retry("x", "enqueued")
	m.Breaker("x", "open", []string{"closed", "open"})
	m.Loop("posts.due", nil)
	m.RecoveredClaim()
	m.GaugeFunc("queue_len", "", func() float64 { return 0 })
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivery("facebook", "failed", "rate_limited", 200*time.Millisecond)
	m.Delivery("facebook", "failed", "rate_limited", 0)
	require.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("facebook", "failed", "rate_limited")))

	m.Loop("retries.due", errors.New("db down"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LoopRuns.WithLabelValues("retries.due", "error")))

	states := []string{"closed", "open", "half_open"}
	m.Breaker("x", "open", states)
	require.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("x", "open")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("x", "closed")))
	m.Breaker("x", "half_open", states)
	require.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("x", "open")))

	m.GaugeFunc("delivery_queue_len", "Queued deliveries.", func() float64 { return 3 })
	n, err := testutil.GatherAndCount(reg, "postpilot_delivery_queue_len")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
