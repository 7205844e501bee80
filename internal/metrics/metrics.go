// Package metrics exposes Prometheus collectors for the mirror units.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_upstream_requests_total",
			Help: "Upstream API requests, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	crawlerItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_crawler_items_total",
			Help: "Items persisted by the forward crawler, labeled by kind.",
		},
		[]string{"kind"},
	)

	crawlerCursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirror_crawler_cursor",
			Help: "Next upstream id the crawler will scan, labeled by kind.",
		},
		[]string{"kind"},
	)

	updaterRefreshedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_updater_refreshed_total",
			Help: "Items re-validated by the updater, labeled by kind and whether data changed.",
		},
		[]string{"kind", "changed"},
	)

	resolverLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_resolver_lookups_total",
			Help: "Resolver lookups, labeled by kind and result (hit, fetched, not_found, error).",
		},
		[]string{"kind", "result"},
	)

	malformedDocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_store_malformed_documents_total",
			Help: "Stored documents skipped because they failed to decode, labeled by index.",
		},
		[]string{"index"},
	)

	backoffSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirror_backoff_seconds",
			Help: "Current backoff delay of an idle loop, labeled by unit and kind.",
		},
		[]string{"unit", "kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_http_requests_total",
			Help: "HTTP API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mirror_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpstreamRequest counts one upstream attempt.
func ObserveUpstreamRequest(kind, outcome string) {
	upstreamRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveCrawled counts items persisted by the crawler.
func ObserveCrawled(kind string, n int) {
	if n > 0 {
		crawlerItemsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// SetCrawlerCursor records the crawler position.
func SetCrawlerCursor(kind string, cursor uint32) {
	crawlerCursor.WithLabelValues(kind).Set(float64(cursor))
}

// ObserveRefreshed counts one updater refresh.
func ObserveRefreshed(kind string, changed bool) {
	updaterRefreshedTotal.WithLabelValues(kind, strconv.FormatBool(changed)).Inc()
}

// ObserveLookup counts one resolver lookup.
func ObserveLookup(kind, result string) {
	resolverLookupsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveMalformed counts one skipped document.
func ObserveMalformed(index string) {
	malformedDocumentsTotal.WithLabelValues(index).Inc()
}

// SetBackoff records the delay an idle loop is about to sleep.
func SetBackoff(unit, kind string, delay time.Duration) {
	backoffSeconds.WithLabelValues(unit, kind).Set(delay.Seconds())
}
