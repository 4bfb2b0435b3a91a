// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreated counts jobs accepted by the manager
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_jobs_created_total",
		Help: "Number of jobs accepted by the job manager.",
	})

	// JobsTerminal counts terminal transitions by final state
	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_jobs_terminal_total",
		Help: "Number of jobs reaching a terminal state, by state.",
	}, []string{"state"})

	// JobsRunning tracks jobs currently holding a worker slot
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_jobs_running",
		Help: "Jobs currently running.",
	})

	// AttemptDuration observes end-to-end attempt latency
	AttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_attempt_duration_seconds",
		Help:    "Duration of one retry-loop attempt.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// ModelCalls counts model invocations by model and outcome
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_model_calls_total",
		Help: "Model invocations, by model and outcome.",
	}, []string{"model", "outcome"})

	// RouterSteps counts workflow steps by tool and execution mode
	RouterSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_router_steps_total",
		Help: "Workflow plan steps dispatched, by tool and mode.",
	}, []string{"tool", "mode"})
)
