// Package metrics defines the orchestrator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TriggersTotal counts trigger submissions by cause and result.
var TriggersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lifecycle_triggers_total",
		Help: "Total retrain trigger submissions by cause and result",
	},
	[]string{"cause", "result"},
)

// JobTransitionsTotal counts training job state transitions.
var JobTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lifecycle_job_transitions_total",
		Help: "Total training job state transitions",
	},
	[]string{"state"},
)

// ValidationsTotal counts validation verdicts.
var ValidationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lifecycle_validations_total",
		Help: "Total champion/challenger validations by verdict",
	},
	[]string{"verdict"},
)

// DeployDecisionsTotal counts deployment decisions.
var DeployDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lifecycle_deploy_decisions_total",
		Help: "Total deployment decisions by action",
	},
	[]string{"action"},
)

// TrainingDuration records wall-clock training duration per terminal job.
var TrainingDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "lifecycle_training_duration_seconds",
		Help:    "Wall-clock duration of training jobs reaching a terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	},
)

// DriftEvaluationsTotal counts drift verdicts by reason.
var DriftEvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lifecycle_drift_evaluations_total",
		Help: "Total drift evaluations by verdict reason",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(
		TriggersTotal,
		JobTransitionsTotal,
		ValidationsTotal,
		DeployDecisionsTotal,
		TrainingDuration,
		DriftEvaluationsTotal,
	)
}
