// Package metrics exposes the executor's Prometheus surface: package-level
// collectors registered against the default registry, record helpers called
// from the runner/scheduler/deadletter/retention control loops, and an HTTP
// handler for the "/metrics" endpoint (spec.md §6), grounded on
// jordigilh-kubernaut's pkg/metrics package (package-level CounterVec /
// HistogramVec vars plus small RecordX wrapper functions).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsCreatedTotal counts runs created, labeled by how they were
	// requested (spec.md §4.5 "scheduler" vs. direct API submission).
	RunsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_runs_created_total",
		Help: "Total number of runs created, labeled by requested_by.",
	}, []string{"requested_by"})

	// RunsFinishedTotal counts runs reaching a terminal status.
	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_runs_finished_total",
		Help: "Total number of runs reaching a terminal status, labeled by status.",
	}, []string{"status"})

	// RunDuration observes wall-clock run duration in seconds, from
	// started_at to the terminal FinishRun call.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "erasure_executor_run_duration_seconds",
		Help:    "Wall-clock duration of finished runs, in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~4.5h
	})

	// TaskAttemptsTotal counts individual task dispatch attempts, labeled
	// by task type and outcome ("success"/"failure").
	TaskAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_task_attempts_total",
		Help: "Total number of task dispatch attempts, labeled by task_type and outcome.",
	}, []string{"task_type", "outcome"})

	// TaskRetriesTotal counts retry attempts beyond the first, labeled by
	// task type.
	TaskRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_task_retries_total",
		Help: "Total number of task retry attempts (attempt index > 1), labeled by task_type.",
	}, []string{"task_type"})

	// ApprovalsPendingTotal counts approval gates created.
	ApprovalsPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erasure_executor_approvals_pending_total",
		Help: "Total number of approval records created for side-effect tasks.",
	})

	// ApprovalsResolvedTotal counts approvals resolved, labeled by
	// resolution ("approved"/"denied").
	ApprovalsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_approvals_resolved_total",
		Help: "Total number of approvals resolved, labeled by resolution.",
	}, []string{"resolution"})

	// DeadLetterTrippedTotal counts brokers tripped into the dead-letter
	// state, labeled by broker id.
	DeadLetterTrippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_dead_letter_tripped_total",
		Help: "Total number of times a broker crossed the dead-letter failure threshold.",
	}, []string{"broker_id"})

	// SchedulerTicksTotal counts scheduler ticks, labeled by outcome.
	SchedulerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_scheduler_ticks_total",
		Help: "Total number of scheduler ticks, labeled by outcome (ran/skipped_not_leader).",
	}, []string{"outcome"})

	// ArtifactsSweptTotal counts artifacts deleted by the retention
	// sweeper, labeled by artifact kind.
	ArtifactsSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erasure_executor_artifacts_swept_total",
		Help: "Total number of artifacts deleted by the retention sweeper, labeled by kind.",
	}, []string{"kind"})
)

// RecordRunCreated increments RunsCreatedTotal for the given requester.
func RecordRunCreated(requestedBy string) {
	RunsCreatedTotal.WithLabelValues(requestedBy).Inc()
}

// RecordRunFinished increments RunsFinishedTotal and observes RunDuration.
func RecordRunFinished(status string, durationSeconds float64) {
	RunsFinishedTotal.WithLabelValues(status).Inc()
	if durationSeconds >= 0 {
		RunDuration.Observe(durationSeconds)
	}
}

// RecordTaskAttempt increments TaskAttemptsTotal, and TaskRetriesTotal when
// attempt is not the task's first.
func RecordTaskAttempt(taskType, outcome string, attempt int) {
	TaskAttemptsTotal.WithLabelValues(taskType, outcome).Inc()
	if attempt > 1 {
		TaskRetriesTotal.WithLabelValues(taskType).Inc()
	}
}

// RecordApprovalCreated increments ApprovalsPendingTotal.
func RecordApprovalCreated() {
	ApprovalsPendingTotal.Inc()
}

// RecordApprovalResolved increments ApprovalsResolvedTotal for the given
// resolution ("approved" or "denied").
func RecordApprovalResolved(resolution string) {
	ApprovalsResolvedTotal.WithLabelValues(resolution).Inc()
}

// RecordDeadLetterTripped increments DeadLetterTrippedTotal for brokerID.
func RecordDeadLetterTripped(brokerID string) {
	DeadLetterTrippedTotal.WithLabelValues(brokerID).Inc()
}

// RecordSchedulerTick increments SchedulerTicksTotal for the given outcome.
func RecordSchedulerTick(outcome string) {
	SchedulerTicksTotal.WithLabelValues(outcome).Inc()
}

// RecordArtifactSwept increments ArtifactsSweptTotal for the given kind.
func RecordArtifactSwept(kind string) {
	ArtifactsSweptTotal.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler for the "/metrics" endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
