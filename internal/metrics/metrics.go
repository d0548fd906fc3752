// Package metrics defines the Prometheus metrics exported by ossgate.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ossgate/ossgate/internal/taskqueue"
)

const namespace = "ossgate"

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "Request body size in bytes",
			Buckets:   sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Response body size in bytes",
			Buckets:   sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Gateway metrics.
var (
	// TransferBytesTotal counts object bytes moved through the gateway.
	// direction is "upload" or "download".
	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Object bytes uploaded and downloaded",
		},
		[]string{"direction"},
	)

	// TransfersTotal counts finished transfers by direction and outcome.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Uploads and downloads by outcome",
		},
		[]string{"direction", "status"},
	)

	// RateLimitedTotal counts requests refused by the IP rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests refused by the IP rate limiter",
		},
		[]string{"reason"},
	)

	// RegionUp is 1 when the last health probe of a region succeeded.
	RegionUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_up",
			Help:      "Whether the last health probe of a region succeeded",
		},
		[]string{"region"},
	)
)

// Register registers all Prometheus collectors, including the task queue's,
// with the default registry. It is safe to call multiple times; subsequent
// calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			TransferBytesTotal,
			TransfersTotal,
			RateLimitedTotal,
			RegionUp,
		)
		prometheus.MustRegister(taskqueue.Collectors()...)

		// Pre-create the transfer series so they appear before any traffic.
		for _, dir := range []string{"upload", "download"} {
			TransferBytesTotal.WithLabelValues(dir)
		}
	})
}

// NormalizePath maps a request path to a bounded label value. API routes
// are fixed paths and kept as they are; everything else collapses.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json", "/openapi.yaml":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	for _, prefix := range []string{"/api/buckets/", "/api/objects/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if ok && rest != "" && isRouteName(rest) {
			return path
		}
	}
	return "/other"
}

func isRouteName(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && c != '_' {
			return false
		}
	}
	return true
}
