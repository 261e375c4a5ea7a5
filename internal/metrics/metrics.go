// Package metrics defines the Prometheus instruments of the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksEnqueued counts new tasks by addressee.
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"to_agent"},
	)

	// TaskTransitions counts status transitions.
	// Labels: status (in_progress, completed, failed)
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"status"},
	)

	// ClaimConflicts counts claims lost to a concurrent caller.
	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "queue",
			Name:      "claim_conflicts_total",
			Help:      "Total number of claims lost to another worker",
		},
	)

	// LedgerRecords counts RecordArtifact outcomes.
	// Labels: outcome (created, updated, unchanged, error)
	LedgerRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "ledger",
			Name:      "records_total",
			Help:      "Total number of artifact record attempts by outcome",
		},
		[]string{"outcome"},
	)

	PhaseRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "phase",
			Name:      "runs_total",
			Help:      "Total number of phase orchestrator runs by result",
		},
		[]string{"phase", "result"},
	)

	PhaseRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phaseline",
			Subsystem: "phase",
			Name:      "run_duration_seconds",
			Help:      "Duration of phase orchestrator runs in seconds",
			Buckets:   []float64{.1, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"phase"},
	)

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks by action",
		},
		[]string{"action"},
	)

	GeneratorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseline",
			Subsystem: "generator",
			Name:      "calls_total",
			Help:      "Total number of content generator calls by result",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
