package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	AssignmentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_assignments_created_total",
			Help: "Review assignments created or refreshed by reconciliation",
		},
		[]string{"level"},
	)

	AssignmentsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_assignments_deleted_total",
			Help: "Review assignments deleted because the reviewer lost permission",
		},
		[]string{"level"},
	)

	ReviewStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_status_transitions_total",
			Help: "Review status transitions appended to history",
		},
		[]string{"to_status"},
	)
)
