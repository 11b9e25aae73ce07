package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sofia_build_info",
			Help: "Build information of the SOFIA pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	CollectorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_collector_runs_total",
			Help: "Total number of collector runs by final status",
		},
		[]string{"collector", "status"},
	)

	CollectorRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sofia_collector_run_duration_seconds",
			Help:    "Duration of collector runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"collector"},
	)

	StagingRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_staging_rows_total",
			Help: "Staging rows by outcome (inserted, duplicate, invalid)",
		},
		[]string{"table", "outcome"},
	)

	NormalizerRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_normalizer_rows_total",
			Help: "Canonical rows written by normalizers",
		},
		[]string{"source", "outcome"},
	)

	CountryResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_country_resolutions_total",
			Help: "Country resolutions by match method; misses are recorded as method=none",
		},
		[]string{"method"},
	)

	CoverageScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sofia_coverage_score",
			Help: "Latest coverage score per country and scope",
		},
		[]string{"country", "scope"},
	)

	OrganizationResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_organization_resolutions_total",
			Help: "Organization resolutions by outcome (cache, exact, fuzzy, created)",
		},
		[]string{"outcome"},
	)

	ViewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_view_refresh_total",
			Help: "Materialized view refreshes by mode and status",
		},
		[]string{"view", "mode", "status"},
	)

	ViewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sofia_view_refresh_duration_seconds",
			Help:    "Duration of materialized view refreshes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	RefreshPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_refresh_passes_total",
			Help: "Refresh passes by trigger (requested, coalesced)",
		},
		[]string{"trigger"},
	)

	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_outbox_published_total",
			Help: "Notification outbox records relayed to Kafka",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sofia_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sofia_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sofia_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
