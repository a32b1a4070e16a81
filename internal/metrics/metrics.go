// Package metrics exposes Prometheus collectors for the alert mirror service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	shardsTotal                *prometheus.CounterVec
	dedupRejectionsTotal       prometheus.Counter
	queryTruncationsTotal      prometheus.Counter
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmirror_fetches_total",
				Help: "Total number of fetches executed, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmirror_fetch_bytes_host_total",
				Help: "Total number of bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		shardsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertmirror_shards_total",
				Help: "Total number of shard completions, labeled by status.",
			},
			[]string{"status"},
		)

		dedupRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "alertmirror_dedup_rejections_total",
				Help: "URLs rejected by the per-crawl seen ledger.",
			},
		)

		queryTruncationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "alertmirror_query_truncations_total",
				Help: "Queries whose results were cut off at the configured cap.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "alertmirror_active_workers",
				Help: "Number of workers currently processing a fetch task.",
			},
		)
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the fetch metrics.
func ObserveFetch(rawURL string, status string, bytesFetched int) {
	host := SanitizeHost(rawURL)
	fetchesTotal.WithLabelValues(host, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveShard increments the shard completion counter for the given status.
func ObserveShard(status string) {
	shardsTotal.WithLabelValues(status).Inc()
}

// ObserveDedupRejection counts a URL already claimed within its crawl.
func ObserveDedupRejection() {
	dedupRejectionsTotal.Inc()
}

// ObserveQueryTruncation counts a capped query result.
func ObserveQueryTruncation() {
	queryTruncationsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
