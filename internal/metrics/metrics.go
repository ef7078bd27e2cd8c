// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsFetchedTotal        *prometheus.CounterVec
	sourceFailuresTotal        *prometheus.CounterVec
	servedByTotal              *prometheus.CounterVec
	fallbackDepth              *prometheus.HistogramVec
	normalizationDroppedTotal  *prometheus.CounterVec
	duplicatesCollapsedTotal   prometheus.Counter
	upsertsTotal               *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	activeFetches              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenders_records_fetched_total",
				Help: "Raw records returned by connectors, labeled by source and serving method.",
			},
			[]string{"source", "method"},
		)

		sourceFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenders_source_failures_total",
				Help: "Connector fetches where every acquisition method failed.",
			},
			[]string{"source"},
		)

		servedByTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenders_served_by_total",
				Help: "Successful connector fetches, labeled by source and the method that served them.",
			},
			[]string{"source", "method"},
		)

		fallbackDepth = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenders_fallback_depth",
				Help:    "Number of acquisition methods attempted per connector fetch.",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
			[]string{"source"},
		)

		normalizationDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenders_normalization_dropped_total",
				Help: "Records dropped by the normalizer, labeled by source and offending field.",
			},
			[]string{"source", "field"},
		)

		duplicatesCollapsedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tenders_duplicates_collapsed_total",
				Help: "Records marked as non-canonical duplicates.",
			},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenders_upserts_total",
				Help: "Storage upserts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenders_runs_total",
				Help: "Ingestion runs, labeled by final status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenders_run_duration_seconds",
				Help:    "Wall time of ingestion runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenders_active_fetches",
				Help: "Connector fetches currently in flight.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenders_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the outcome of one connector fetch.
func ObserveFetch(source, servedBy string, records, attempts int, failed bool) {
	Init()
	fallbackDepth.WithLabelValues(source).Observe(float64(attempts))
	if failed {
		sourceFailuresTotal.WithLabelValues(source).Inc()
		return
	}
	servedByTotal.WithLabelValues(source, servedBy).Inc()
	if records > 0 {
		recordsFetchedTotal.WithLabelValues(source, servedBy).Add(float64(records))
	}
}

// ObserveNormalizationDrop increments the drop counter for a rejected record.
func ObserveNormalizationDrop(source, field string) {
	Init()
	normalizationDroppedTotal.WithLabelValues(source, field).Inc()
}

// ObserveDuplicatesCollapsed adds n collapsed duplicates.
func ObserveDuplicatesCollapsed(n int) {
	Init()
	if n > 0 {
		duplicatesCollapsedTotal.Add(float64(n))
	}
}

// ObserveUpsert increments the upsert counter for the given outcome.
func ObserveUpsert(outcome string) {
	Init()
	upsertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records a finished run.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
