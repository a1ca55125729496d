// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseBytes    *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	AccessDenied       prometheus.Counter
	PlaylistsRewritten *prometheus.CounterVec
	LinesRewritten     prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_http_response_bytes_total",
			Help: "Response body bytes written to callers.",
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, until response headers.",
			Buckets: defaultBuckets,
		}, []string{"upstream", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_upstream_responses_total",
			Help: "Total upstream responses by upstream domain, method and status code.",
		}, []string{"upstream", "method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_upstream_errors_total",
			Help: "Upstream transport failures by upstream domain.",
		}, []string{"upstream"}),

		AccessDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_proxy_access_denied_total",
			Help: "Requests rejected because neither Referer nor Origin is allowlisted.",
		}),

		PlaylistsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_playlists_rewritten_total",
			Help: "Playlist bodies passed through the rewriter, by upstream domain.",
		}, []string{"upstream"}),

		LinesRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_proxy_playlist_lines_rewritten_total",
			Help: "Playlist entries rewritten to point back at the proxy.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.AccessDenied,
		m.PlaylistsRewritten,
		m.LinesRewritten,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/proxy", "/healthz", "/proxy/status", "/metrics", "/live"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Passthrough paths outside the known prefixes are grouped by whether they
// address a playlist.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if strings.HasSuffix(path, ".m3u8") {
		return "playlist"
	}
	return "other"
}
