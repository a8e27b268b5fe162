// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerPageDurationSeconds    *prometheus.HistogramVec
	crawlerOutlinksTotal          *prometheus.CounterVec
	crawlerSitesTotal             *prometheus.CounterVec
	crawlerActiveSessions         prometheus.Gauge
	crawlerBrowsersInUse          prometheus.Gauge
	crawlerRobotsFetchesTotal     *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages brozzled, labeled by site host and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerPageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_page_duration_seconds",
				Help:    "Histogram of page browse durations, labeled by outcome.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"outcome"},
		)

		crawlerOutlinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_outlinks_total",
				Help: "Total number of outlinks scheduled, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		crawlerSitesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sites_total",
				Help: "Total number of site lifecycle transitions, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_sessions",
				Help: "Number of site sessions currently running.",
			},
		)

		crawlerBrowsersInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_browsers_in_use",
				Help: "Number of browsers currently acquired from the pool.",
			},
		)

		crawlerRobotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetches_total",
				Help: "Total robots.txt fetches, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
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

// ObservePage records one brozzled page.
func ObservePage(pageURL, outcome string, duration time.Duration) {
	crawlerPagesTotal.WithLabelValues(SanitizeSite(pageURL), outcome).Inc()
	crawlerPageDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveOutlinks adds the dispositions of a page's outlinks.
func ObserveOutlinks(added, updated, rejected, blocked int) {
	crawlerOutlinksTotal.WithLabelValues("added").Add(float64(added))
	crawlerOutlinksTotal.WithLabelValues("updated").Add(float64(updated))
	crawlerOutlinksTotal.WithLabelValues("rejected").Add(float64(rejected))
	crawlerOutlinksTotal.WithLabelValues("blocked").Add(float64(blocked))
}

// ObserveSite increments the site counter for the given status.
func ObserveSite(status string) {
	crawlerSitesTotal.WithLabelValues(status).Inc()
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	crawlerActiveSessions.Inc()
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	crawlerActiveSessions.Dec()
}

// SetBrowsersInUse records the number of acquired browsers.
func SetBrowsersInUse(n int) {
	crawlerBrowsersInUse.Set(float64(n))
}

// ObserveRobotsFetch counts a robots.txt fetch.
func ObserveRobotsFetch(result string) {
	crawlerRobotsFetchesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
