package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfpbridge_upstream_requests_total",
			Help: "Total number of requests forwarded upstream, labeled by method and status code.",
		},
		[]string{"method", "status"},
	)

	UpstreamRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kfpbridge_upstream_request_duration_seconds",
			Help:    "Histogram of upstream request latencies in seconds, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfpbridge_upstream_errors_total",
			Help: "Total number of upstream transport failures, labeled by error type.",
		},
		[]string{"type"},
	)
)

// MustRegisterMetrics registers the proxy metrics with the global registry.
// Call once at server start.
func MustRegisterMetrics() {
	prometheus.MustRegister(
		UpstreamRequestsTotal,
		UpstreamRequestDurationSeconds,
		UpstreamErrorsTotal,
	)
}
