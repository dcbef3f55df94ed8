// Package metrics holds the Prometheus collectors for the dashboard.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics, labelled with the chi route pattern rather than the raw path.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)
)

// Upstream (eCFR API) metrics.
var (
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecfr_upstream_requests_total",
			Help: "Total number of requests made to the eCFR API",
		},
		[]string{"operation", "outcome"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecfr_upstream_request_duration_seconds",
			Help:    "eCFR API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ecfr_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Refresh pipeline metrics.
var (
	RefreshRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecfr_refresh_runs_total",
			Help: "Total number of refresh runs by status",
		},
		[]string{"status"},
	)

	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ecfr_refresh_duration_seconds",
			Help:    "Time taken by a refresh run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	SnapshotsDownloadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecfr_snapshots_downloaded_total",
			Help: "Total number of title XML snapshots downloaded",
		},
	)

	LastRefreshTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecfr_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful refresh",
		},
	)
)

// RecordUpstream records one upstream call. outcome is "ok", an HTTP status
// code, or "error".
func RecordUpstream(operation, outcome string, d time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(operation, outcome).Inc()
	UpstreamRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetBreakerState records the numeric gobreaker state for name.
func SetBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRefresh records the outcome of a refresh run.
func RecordRefresh(success bool, d time.Duration, downloaded int) {
	status := "success"
	if !success {
		status = "failure"
	}
	RefreshRunsTotal.WithLabelValues(status).Inc()
	RefreshDuration.Observe(d.Seconds())
	SnapshotsDownloadedTotal.Add(float64(downloaded))
	if success {
		LastRefreshTimestamp.SetToCurrentTime()
	}
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
