// Package metrics exposes Prometheus counters and histograms for the
// proxy's request pipeline. Grounded on the teacher's
// internal/infrastructure/monitoring package (request/tool/model counters,
// a /metrics handler, uptime and latency summaries), rebuilt on
// prometheus/client_golang instead of the teacher's hand-rolled atomic
// counters and text-format writer — the dependency the rest of the
// AI-gateway corpus (e.g. the envoy and axonhub-style gateways) reaches
// for when a component actually needs to expose metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the proxy records, labeled by the
// conversion profile and codec a request was routed through so a single
// gateway process serving several profiles yields per-profile breakdowns.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamCalls   *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge
}

// New registers every metric against reg (internal/app passes a fresh
// prometheus.NewRegistry() rather than prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protoclaw_requests_total",
			Help: "Total inbound requests handled, by profile and codec.",
		}, []string{"profile", "codec"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protoclaw_request_errors_total",
			Help: "Total inbound requests that ended in an error response, by profile and error kind.",
		}, []string{"profile", "kind"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protoclaw_request_duration_seconds",
			Help:    "End-to-end request handling latency, by profile.",
			Buckets: prometheus.DefBuckets,
		}, []string{"profile"}),
		UpstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protoclaw_upstream_calls_total",
			Help: "Total upstream dispatch attempts, by target endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "protoclaw_active_streams",
			Help: "Number of SSE streams currently being relayed to clients.",
		}),
	}
}
