// Package metrics holds the Prometheus collectors shared by the gateway components.
//
// All recording methods are safe to call on a nil *Metrics so that components
// can be constructed without instrumentation in tests and CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "promptgate"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	RateLimitDecisions *prometheus.CounterVec
	RateLimitWindows   prometheus.Gauge
	CacheLookups       *prometheus.CounterVec
	CacheErrors        *prometheus.CounterVec
	UpstreamRequests   *prometheus.CounterVec
	UpstreamLatency    prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions by category and result.",
			},
			[]string{"category", "result"},
		),
		RateLimitWindows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_windows",
				Help:      "Number of live rate limit windows after the last GC pass.",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result (hit, miss, expired, error).",
			},
			[]string{"result"},
		),
		CacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Response cache backend errors absorbed as misses or no-op stores.",
			},
			[]string{"op"},
		),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Calls to the LLM provider by result.",
			},
			[]string{"result"},
		),
		UpstreamLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Latency of LLM provider calls.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
		),
	}

	reg.MustRegister(
		m.RateLimitDecisions,
		m.RateLimitWindows,
		m.CacheLookups,
		m.CacheErrors,
		m.UpstreamRequests,
		m.UpstreamLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveRateLimit records a single admit-or-reject decision.
func (m *Metrics) ObserveRateLimit(category string, allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.RateLimitDecisions.WithLabelValues(category, result).Inc()
}

// SetRateLimitWindows reports the number of windows retained after GC.
func (m *Metrics) SetRateLimitWindows(n int) {
	if m == nil {
		return
	}
	m.RateLimitWindows.Set(float64(n))
}

// ObserveCacheLookup records a lookup outcome: "hit", "miss", "expired" or "error".
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheError records an absorbed backend error for op ("lookup", "store").
func (m *Metrics) ObserveCacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

// ObserveUpstream records one provider call and its latency.
func (m *Metrics) ObserveUpstream(err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.UpstreamRequests.WithLabelValues(result).Inc()
	m.UpstreamLatency.Observe(took.Seconds())
}
