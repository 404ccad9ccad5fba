// Package metrics aggregates crawl outcomes and exposes them as log reports
// and Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every Prometheus collector owned by one process. They are
// registered on the Registerer given to NewCollectors rather than on the
// global default registry.
type Collectors struct {
	gatherer prometheus.Gatherer

	tasksTotal          prometheus.Counter
	fetchesTotal        *prometheus.CounterVec
	speed               prometheus.Gauge
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	rateLimitDelay      *prometheus.HistogramVec
	apiRequestsTotal    *prometheus.CounterVec
	apiRequestDurations *prometheus.HistogramVec
}

// NewCollectors registers the crawl collectors on reg.
func NewCollectors(reg *prometheus.Registry) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		gatherer: reg,
		tasksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "crawlkit_tasks_total",
			Help: "Tasks created by the crawl engine.",
		}),
		fetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_fetches_total",
			Help: "Completed fetches reported to the monitor, labeled by outcome.",
		}, []string{"outcome"}),
		speed: f.NewGauge(prometheus.GaugeOpts{
			Name: "crawlkit_fetch_speed",
			Help: "Successful fetches per second over the last monitor interval.",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_http_requests_total",
			Help: "Outgoing HTTP request attempts, labeled by site and status code.",
		}, []string{"site", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlkit_http_request_duration_seconds",
			Help:    "Latency of outgoing HTTP request attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"site"}),
		rateLimitDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlkit_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site"}),
		apiRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlkit_api_requests_total",
			Help: "Control API requests, labeled by method and code.",
		}, []string{"method", "code"}),
		apiRequestDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlkit_api_request_duration_seconds",
			Help:    "Control API latency, labeled by method and route.",
			Buckets: []float64{0.005, 0.05, 0.25, 1},
		}, []string{"method", "route"}),
	}
}

// ObserveRequest implements the fetch client observer.
func (c *Collectors) ObserveRequest(host string, status int, elapsed time.Duration, err error) {
	site := SanitizeSite(host)
	code := strconv.Itoa(status)
	if status == 0 {
		code = "error"
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = "timeout"
		}
	}
	c.requestsTotal.WithLabelValues(site, code).Inc()
	c.requestDuration.WithLabelValues(site).Observe(elapsed.Seconds())
}

// ObserveRateLimitDelay records a rate limiter wait.
func (c *Collectors) ObserveRateLimitDelay(host string, waited time.Duration) {
	c.rateLimitDelay.WithLabelValues(SanitizeSite(host)).Observe(waited.Seconds())
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware records control API request metrics.
func (c *Collectors) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		c.apiRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		c.apiRequestDurations.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// SanitizeSite reduces a URL or host to a lowercase hostname, or "unknown".
func SanitizeSite(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
