package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics records per-bridge forwarding outcomes.
type ProxyMetrics struct {
	requests         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	upstreamFailures *prometheus.CounterVec
	activeLogins     prometheus.Gauge
}

// NewProxyMetrics registers the forwarding collectors. A nil registry
// yields a nil ProxyMetrics whose methods are all no-ops, so the proxy path
// never has to branch on whether metrics are enabled.
func NewProxyMetrics(reg *Registry) *ProxyMetrics {
	if reg == nil {
		return nil
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manager_proxy_requests_total",
		Help: "Count of forwarded requests labelled by bridge and outcome.",
	}, []string{"bridge", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "manager_proxy_request_duration_seconds",
		Help:    "Upstream duration for forwarded requests segmented by bridge.",
		Buckets: prometheus.DefBuckets,
	}, []string{"bridge"})

	upstreamFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "manager_proxy_upstream_failures_total",
		Help: "Count of forwarded requests that never reached the bridge.",
	}, []string{"bridge"})

	activeLogins := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manager_proxy_active_login_streams",
		Help: "Current number of open websocket login relay sessions.",
	})

	reg.Register(requests)
	reg.Register(duration)
	reg.Register(upstreamFailures)
	reg.Register(activeLogins)

	return &ProxyMetrics{
		requests:         requests,
		duration:         duration,
		upstreamFailures: upstreamFailures,
		activeLogins:     activeLogins,
	}
}

// Observe records one completed forwarded request.
func (m *ProxyMetrics) Observe(bridgeName string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(bridgeName, outcome).Inc()
	m.duration.WithLabelValues(bridgeName).Observe(elapsed.Seconds())
}

// Failure records a request that never reached the bridge.
func (m *ProxyMetrics) Failure(bridgeName string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(bridgeName).Inc()
}

// LoginOpened marks a login relay session as active and returns a closer.
func (m *ProxyMetrics) LoginOpened() func() {
	if m == nil {
		return func() {}
	}
	m.activeLogins.Inc()
	return func() { m.activeLogins.Dec() }
}
