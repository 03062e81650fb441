// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llmgateway"

// Metrics holds every collector on its own registry, so tests can create
// as many as they like without colliding on the global one.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	quotaDecisions  *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	frames          *prometheus.CounterVec
	recordFailures  prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Stream requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota decisions by tier and kind.",
		}, []string{"tier", "kind"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_seconds",
			Help:      "Time from sending the upstream request to its response headers.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"mode"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Text frames written to clients.",
		}, []string{"mode"}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_record_failures_total",
			Help:      "Calls whose usage could not be written after dispatch.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.quotaDecisions,
		m.dispatchLatency,
		m.frames,
		m.recordFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Request counts one finished request. outcome is a short label such as
// "ok", "unauthorized", "quota_denied" or "upstream_error".
func (m *Metrics) Request(mode, outcome string) {
	if mode == "" {
		mode = "unknown"
	}
	m.requests.WithLabelValues(mode, outcome).Inc()
}

// QuotaDecision counts one quota decision.
func (m *Metrics) QuotaDecision(tier, kind string) {
	m.quotaDecisions.WithLabelValues(tier, kind).Inc()
}

// Dispatch observes how long the upstream took to answer.
func (m *Metrics) Dispatch(mode string, d time.Duration) {
	m.dispatchLatency.WithLabelValues(mode).Observe(d.Seconds())
}

// Frames adds streamed text frames.
func (m *Metrics) Frames(mode string, n int) {
	m.frames.WithLabelValues(mode).Add(float64(n))
}

// RecordFailure counts a usage write that failed after dispatch.
func (m *Metrics) RecordFailure() {
	m.recordFailures.Inc()
}
