package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the runtime.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Bundler metrics
	BundlesTotal   *prometheus.CounterVec
	BundleDuration prometheus.Histogram

	// Bridge metrics
	PendingRequests prometheus.Gauge
	BridgeMessages  *prometheus.CounterVec
	RequestTimeouts prometheus.Counter

	// Environment pool metrics
	WarmPoolSize      prometheus.Gauge
	EnvironmentsTotal *prometheus.CounterVec
	EnvironmentsLive  prometheus.Gauge
	DeploysTotal      *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector registered on its own registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

// NewMetricsWith registers the collector on the provided registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runtime_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		BundlesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_bundles_total",
				Help: "Total number of bundle builds by outcome",
			},
			[]string{"outcome"},
		),
		BundleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runtime_bundle_duration_seconds",
				Help:    "Bundle build duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_bridge_pending_requests",
				Help: "Sandbox data requests awaiting a response",
			},
		),
		BridgeMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_bridge_messages_total",
				Help: "Sandbox protocol messages by type and direction",
			},
			[]string{"type", "direction"},
		),
		RequestTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "runtime_bridge_request_timeouts_total",
				Help: "Sandbox data requests that timed out",
			},
		),

		WarmPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_warm_pool_size",
				Help: "Pre-provisioned environments ready for assignment",
			},
		),
		EnvironmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_environments_total",
				Help: "Environment lifecycle events by kind",
			},
			[]string{"event"},
		),
		EnvironmentsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_environments_live",
				Help: "Environments currently provisioned",
			},
		),
		DeploysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runtime_deploys_total",
				Help: "Code deployments by outcome",
			},
			[]string{"outcome"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_ws_connections",
				Help: "Active WebSocket connections",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runtime_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
