// Package metrics exposes Prometheus collectors for sandbox executions,
// estimates and connection fallbacks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeInactive = "inactive"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

var (
	// ExecutionsTotal counts sandbox executions by outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Total number of sandboxed query executions",
		},
		[]string{"outcome"},
	)
	// ExecutionDuration is the latency of executions that reached the database.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_execution_duration_seconds",
			Help:    "Sandboxed query execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	// EstimatesTotal counts estimator calls by outcome (ok, failed, cached).
	EstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_estimates_total",
			Help: "Total number of plan-based row estimates",
		},
		[]string{"outcome"},
	)
	// ConnectionFallbacksTotal counts reads served by the primary because the
	// replica was unavailable.
	ConnectionFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_connection_fallbacks_total",
			Help: "Total number of read-preferred connections that fell back to the primary",
		},
		[]string{"reason"},
	)
)
