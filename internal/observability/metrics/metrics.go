// Package metrics provides Prometheus instrumentation for terraverify.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Submission pipeline metrics
	submissionTotal   *prometheus.CounterVec
	verifierCallTotal *prometheus.CounterVec

	// Claim metrics
	claimTotal            *prometheus.CounterVec
	claimDuration         prometheus.Histogram
	consistencyErrorTotal prometheus.Counter

	// Reconciliation metrics
	sweepActionTotal *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	// HTTP request counter
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTP request duration histogram
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	submissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_submission_total",
			Help: "Total number of plot submissions by result",
		},
		[]string{"result"},
	)

	verifierCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_call_total",
			Help: "Total number of verification service calls by outcome",
		},
		[]string{"outcome"},
	)

	claimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claim_attempt_total",
			Help: "Total number of claim attempts by result",
		},
		[]string{"result"},
	)

	claimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claim_duration_seconds",
			Help:    "Time from claim lock to final outcome",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Confirmed on chain but not recorded; needs an operator
	consistencyErrorTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claim_consistency_error_total",
			Help: "Confirmed claims whose status could not be recorded",
		},
	)

	sweepActionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_action_total",
			Help: "Total number of records handled by the reconciliation sweep by action",
		},
		[]string{"action"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_sweep_duration_seconds",
			Help:    "Duration of reconciliation sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Note: Go runtime metrics (goroutines, memory, GC) are automatically
	// collected by prometheus/client_golang - no custom collector needed
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
