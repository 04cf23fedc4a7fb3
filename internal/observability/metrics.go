package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	httpClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltashare_http_client_requests_total",
			Help: "Total number of requests sent to the sharing server.",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpClientRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deltashare_http_client_request_duration_seconds",
			Help:    "Sharing server request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
)

func init() {
	prometheus.MustRegister(httpClientRequestsTotal, httpClientRequestDurationSeconds)
}
