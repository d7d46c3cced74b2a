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
	crawlPagesTotal                 *prometheus.CounterVec
	crawlBytesTotal                 *prometheus.CounterVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec
	robotsTLSHandshakeTimeoutsTotal prometheus.Counter
	crawlSessionsTotal              *prometheus.CounterVec
	crawlActiveWorkers              prometheus.Gauge
	rateLimitDelaysSeconds          *prometheus.HistogramVec
	uploadItemsTotal                *prometheus.CounterVec
	uploadsTotal                    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfbox_crawl_pages_total",
				Help: "Total number of pages processed by crawl workers, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfbox_crawl_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		robotsTLSHandshakeTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "shelfbox_robots_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		crawlSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfbox_crawl_sessions_total",
				Help: "Total number of crawl sessions finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shelfbox_crawl_active_workers",
				Help: "Number of crawl workers currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shelfbox_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		uploadItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfbox_upload_items_total",
				Help: "Total number of upload items processed, labeled by box type and outcome.",
			},
			[]string{"box_type", "outcome"},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shelfbox_uploads_total",
				Help: "Total number of upload operations finished, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// ObserveCrawl records one processed page.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsTLSHandshakeTimeout increments the robots probe handshake timeout counter.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	robotsTLSHandshakeTimeoutsTotal.Inc()
}

// ObserveSession increments the session counter for a terminal status.
func ObserveSession(status string) {
	Init()
	crawlSessionsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveUploadItem records one upload item outcome.
func ObserveUploadItem(boxType, outcome string) {
	Init()
	uploadItemsTotal.WithLabelValues(boxType, outcome).Inc()
}

// ObserveUpload increments the upload counter for a terminal status.
func ObserveUpload(status string) {
	Init()
	uploadsTotal.WithLabelValues(status).Inc()
}
