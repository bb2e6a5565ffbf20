// Package metrics exposes the gateway's Prometheus instrumentation.
// The exporter/scrape pipeline itself is an external collaborator;
// this package only owns the counters and gauges the core updates,
// built on client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the gateway's Prometheus collectors. Construct one
// per process and register it with a prometheus.Registerer.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	RateLimitRejections   prometheus.Counter
	CircuitStateGauge     *prometheus.GaugeVec
	ActiveConnectionGauge *prometheus.GaugeVec
	HealthProbeFailures   *prometheus.CounterVec
}

// New builds a Metrics bundle with unregistered collectors.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total proxied requests by route and outcome.",
		}, []string{"route_id", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route_id"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the admission limiter.",
		}),
		CircuitStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "circuit_state",
			Help:      "Current circuit state per destination (0=Closed,1=Open,2=HalfOpen).",
		}, []string{"destination"}),
		ActiveConnectionGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_connections",
			Help:      "Active proxied connections per destination.",
		}, []string{"destination"}),
		HealthProbeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "health_probe_failures_total",
			Help:      "Failed health probes per destination.",
		}, []string{"destination"}),
	}
}

// MustRegister registers all collectors with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RateLimitRejections,
		m.CircuitStateGauge,
		m.ActiveConnectionGauge,
		m.HealthProbeFailures,
	)
}
