// Package metrics exposes Prometheus collectors for the ingestion service.
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
	ingestPagesTotal           *prometheus.CounterVec
	ingestJobsTotal            *prometheus.CounterVec
	ingestActiveWorkers        prometheus.Gauge
	ingestQueueDepth           prometheus.Gauge
	ingestThrottleDelaySeconds *prometheus.HistogramVec
	ingestCacheHitsTotal       *prometheus.CounterVec
	ingestRobotsDeniedTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_total",
				Help: "Total number of origin pages fetched, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		ingestJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Total number of ingestion jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		ingestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		ingestQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Number of jobs currently waiting in the queue.",
			},
		)

		ingestThrottleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_throttle_delay_seconds",
				Help:    "Histogram of crawl-delay wait durations per host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		ingestCacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_conditional_cache_hits_total",
				Help: "Total 304 responses served from the conditional cache, labeled by host.",
			},
			[]string{"host"},
		)

		ingestRobotsDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_robots_denied_total",
				Help: "Total fetches denied by robots.txt, labeled by host.",
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

// ObservePage increments the page fetch counter.
func ObservePage(host string, statusCode int) {
	if ingestPagesTotal == nil {
		return
	}
	ingestPagesTotal.WithLabelValues(SanitizeHost(host), strconv.Itoa(statusCode)).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	if ingestJobsTotal == nil {
		return
	}
	ingestJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if ingestActiveWorkers != nil {
		ingestActiveWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if ingestActiveWorkers != nil {
		ingestActiveWorkers.Dec()
	}
}

// SetQueueDepth records the number of queued jobs.
func SetQueueDepth(n int) {
	if ingestQueueDepth != nil {
		ingestQueueDepth.Set(float64(n))
	}
}

// ObserveThrottleDelay records the duration of a crawl-delay wait.
func ObserveThrottleDelay(host string, duration time.Duration) {
	if ingestThrottleDelaySeconds == nil {
		return
	}
	ingestThrottleDelaySeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveCacheHit increments the conditional-cache hit counter.
func ObserveCacheHit(host string) {
	if ingestCacheHitsTotal == nil {
		return
	}
	ingestCacheHitsTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// ObserveRobotsDenied increments the robots denial counter.
func ObserveRobotsDenied(host string) {
	if ingestRobotsDeniedTotal == nil {
		return
	}
	ingestRobotsDeniedTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
