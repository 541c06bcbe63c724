package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yotokeeper"

// Metrics holds the Prometheus collectors for the authentication lifecycle. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	refreshes      *prometheus.CounterVec
	refreshLatency prometheus.Histogram
	lockContention prometheus.Counter
	degraded       *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	devicePolls    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "refreshes_total",
				Help:      "Token refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		refreshLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "refresh_latency_seconds",
				Help:      "How long a token refresh takes, lock wait included, in seconds.",
			},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "contended_total",
				Help:      "Number of refresh attempts that found the lease held by another owner.",
			},
		),
		degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "degraded_decisions_total",
				Help:      "Tokens adopted or refreshed from a fallback backend while a preferred one was failing.",
			},
			[]string{"action"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "snapshot",
				Name:      "lookups_total",
				Help:      "Snapshot cache lookups by snapshot and result.",
			},
			[]string{"snapshot", "result"},
		),
		devicePolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "polls_total",
				Help:      "Device authorization polls by resulting status.",
			},
			[]string{"status"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshes,
		m.refreshLatency,
		m.lockContention,
		m.degraded,
		m.cacheLookups,
		m.devicePolls,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRefresh records one refresh with its outcome and duration.
func (m *Metrics) ObserveRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshLatency.Observe(d.Seconds())
}

// LockContended counts a failed lease acquisition.
func (m *Metrics) LockContended() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

// DegradedDecision counts a token adopted or refreshed from a degraded load.
func (m *Metrics) DegradedDecision(action string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(action).Inc()
}

// CacheLookup counts a snapshot lookup.
func (m *Metrics) CacheLookup(snapshot string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(snapshot, result).Inc()
}

// DevicePoll counts a device authorization poll.
func (m *Metrics) DevicePoll(status string) {
	if m == nil {
		return
	}
	m.devicePolls.WithLabelValues(status).Inc()
}
