// Package metrics exposes the runtime's Prometheus metrics: cost
// tracker admission decisions, rate limiter throttling, and tool
// dispatch counts. A nil *Metrics is valid and every method on it is a
// no-op, so callers that never opt in (no metrics.New call) pay
// nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	costEvents      *prometheus.CounterVec
	costRunTotal    prometheus.Gauge
	costDayTotal    prometheus.Gauge
	rateLimitChecks *prometheus.CounterVec
	rateLimitWait   *prometheus.HistogramVec
	concurrencyUsed prometheus.Gauge
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
}

// New builds a Metrics instance with its own Prometheus registry.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.costEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cost",
		Name:      "decisions_total",
		Help:      "Cost tracker admission decisions by outcome.",
	}, []string{"decision"})

	m.costRunTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cost",
		Name:      "run_total_usd",
		Help:      "Current run's accumulated cost in USD.",
	})

	m.costDayTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cost",
		Name:      "day_total_usd",
		Help:      "Current UTC day's accumulated cost in USD.",
	})

	m.rateLimitChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Rate limiter admission checks by window and outcome.",
	}, []string{"window", "allowed"})

	m.rateLimitWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "retry_after_seconds",
		Help:      "Reported retry-after duration when admission is refused.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"window"})

	m.concurrencyUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "concurrency_in_flight",
		Help:      "Number of concurrency slots currently held.",
	})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Total number of tool invocations by tool name and outcome.",
	}, []string{"tool_name", "outcome"})

	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "call_duration_seconds",
		Help:      "Tool execution duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"tool_name"})

	m.registry.MustRegister(
		m.costEvents, m.costRunTotal, m.costDayTotal,
		m.rateLimitChecks, m.rateLimitWait, m.concurrencyUsed,
		m.toolCalls, m.toolDuration,
	)

	return m
}

// RecordCostDecision records an admission decision ("allowed", "warn"
// or "blocked") and the run/day totals at the time of the decision.
func (m *Metrics) RecordCostDecision(decision string, runTotal, dayTotal float64) {
	if m == nil {
		return
	}
	m.costEvents.WithLabelValues(decision).Inc()
	m.costRunTotal.Set(runTotal)
	m.costDayTotal.Set(dayTotal)
}

// RecordRateLimitCheck records one bucket admission check.
func (m *Metrics) RecordRateLimitCheck(window string, allowed bool, retryAfterSeconds float64) {
	if m == nil {
		return
	}
	m.rateLimitChecks.WithLabelValues(window, boolLabel(allowed)).Inc()
	if !allowed {
		m.rateLimitWait.WithLabelValues(window).Observe(retryAfterSeconds)
	}
}

// SetConcurrencyInFlight reports the current number of held
// concurrency slots.
func (m *Metrics) SetConcurrencyInFlight(n int) {
	if m == nil {
		return
	}
	m.concurrencyUsed.Set(float64(n))
}

// RecordToolCall records one tool dispatch and its outcome ("ok" or
// "error").
func (m *Metrics) RecordToolCall(toolName, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName, outcome).Inc()
	m.toolDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// Handler returns an HTTP handler serving this Metrics' registry in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
