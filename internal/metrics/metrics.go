// Package metrics holds the Prometheus collectors for postpilot. Every
// method is safe on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "postpilot"

// Metrics holds all Prometheus metrics for postpilot.
type Metrics struct {
	// Labels: platform, outcome (published|failed|circuit_open), kind
	Deliveries *prometheus.CounterVec
	// Labels: platform
	DeliveryDuration *prometheus.HistogramVec
	// Labels: platform
	ClaimConflicts *prometheus.CounterVec

	// Labels: platform, event (enqueued|scheduled|deferred|exhausted|succeeded|dropped|cancelled|manual)
	RetryEvents *prometheus.CounterVec

	// Labels: platform, state. 1 for the current state, 0 otherwise.
	BreakerState *prometheus.GaugeVec
	// Labels: platform, to
	BreakerTransitions *prometheus.CounterVec

	// Labels: loop, result (ok|error)
	LoopRuns *prometheus.CounterVec
	// Recovered counts platform-posts released from a stale claim.
	Recovered prometheus.Counter

	reg prometheus.Registerer
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Platform-post delivery attempts by outcome.",
		}, []string{"platform", "outcome", "kind"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_duration_seconds",
			Help:    "Time spent in the platform publish call.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"platform"}),
		ClaimConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claim_conflicts_total",
			Help: "Claims lost to another worker or a cancellation.",
		}, []string{"platform"}),
		RetryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_events_total",
			Help: "Retry queue lifecycle events.",
		}, []string{"platform", "event"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Circuit breaker state per platform (1 = current).",
		}, []string{"platform", "state"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total",
			Help: "Circuit breaker state changes.",
		}, []string{"platform", "to"}),
		LoopRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_runs_total",
			Help: "Scheduler, retry and recovery loop runs.",
		}, []string{"loop", "result"}),
		Recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovered_claims_total",
			Help: "Platform-posts released from a stale publishing claim.",
		}),
		reg: reg,
	}
	if reg != nil {
		reg.MustRegister(
			m.Deliveries, m.DeliveryDuration, m.ClaimConflicts,
			m.RetryEvents, m.BreakerState, m.BreakerTransitions,
			m.LoopRuns, m.Recovered,
		)
	}
	return m
}

func (m *Metrics) Delivery(platform, outcome, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(platform, outcome, kind).Inc()
	if d > 0 {
		m.DeliveryDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

func (m *Metrics) ClaimConflict(platform string) {
	if m == nil {
		return
	}
	m.ClaimConflicts.WithLabelValues(platform).Inc()
}

func (m *Metrics) Retry(platform, event string) {
	if m == nil {
		return
	}
	m.RetryEvents.WithLabelValues(platform, event).Inc()
}

// Breaker records a transition into state to.
func (m *Metrics) Breaker(platform, to string, states []string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(platform, to).Inc()
	for _, st := range states {
		v := 0.0
		if st == to {
			v = 1
		}
		m.BreakerState.WithLabelValues(platform, st).Set(v)
	}
}

func (m *Metrics) Loop(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LoopRuns.WithLabelValues(name, result).Inc()
}

func (m *Metrics) RecoveredClaim() {
	if m == nil {
		return
	}
	m.Recovered.Inc()
}

// GaugeFunc registers a gauge sampled at scrape time, e.g. queue depth.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil || m.reg == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}
