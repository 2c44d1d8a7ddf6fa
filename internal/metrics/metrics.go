// Package metrics defines custom Prometheus metrics for the media store.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for body size histograms (bytes).
var sizeBuckets = []float64{1024, 16384, 262144, 1048576, 4194304, 16777216, 67108864, 268435456}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediastore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Pipeline metrics.
var (
	// UploadsTotal counts original writes by strategy (single, multipart)
	// and status.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_uploads_total",
			Help: "Original blob writes by strategy",
		},
		[]string{"strategy", "status"},
	)

	// UploadBytesTotal counts bytes written for originals.
	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediastore_upload_bytes_total",
			Help: "Total original bytes written to the store",
		},
	)

	// VariantsTotal counts variant derivations by outcome (success, failed).
	VariantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_variants_total",
			Help: "Variant derivations by outcome",
		},
		[]string{"outcome"},
	)

	// KeyProbesTotal counts existence probes by result (hit, miss, error).
	KeyProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_key_probes_total",
			Help: "Candidate key existence probes by result",
		},
		[]string{"result"},
	)

	// RetrievalsTotal counts retrievals by outcome (ok, not_modified,
	// redirect, not_found, error).
	RetrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_retrievals_total",
			Help: "Retrievals by outcome",
		},
		[]string{"outcome"},
	)

	// DeletesTotal counts blob deletions by outcome.
	DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_deletes_total",
			Help: "Blob deletions by outcome",
		},
		[]string{"outcome"},
	)

	// SignedURLsTotal counts signed write URL requests by outcome.
	SignedURLsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediastore_signed_urls_total",
			Help: "Signed upload URL requests by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			UploadsTotal,
			UploadBytesTotal,
			VariantsTotal,
			KeyProbesTotal,
			RetrievalsTotal,
			DeletesTotal,
			SignedURLsTotal,
		)
		// Initialize so the series appear in /metrics before first use.
		UploadsTotal.WithLabelValues("single", "success")
		UploadsTotal.WithLabelValues("multipart", "success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual filenames and record ids.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/media", "/media/records",
		"/storage/generate-signed-url":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if parts[0] != "media" || len(parts) < 2 {
		return "/other"
	}
	switch parts[1] {
	case "file":
		return "/media/file/{filename}"
	case "size":
		return "/media/size/{size}/{filename}"
	case "records":
		return "/media/records/{id}"
	case "debug":
		if len(parts) == 3 {
			return "/media/debug/" + parts[2]
		}
	}
	return "/other"
}
