// Package metrics registers the Prometheus collectors exercised by the
// queue runtime and the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sre_queue_tasks_submitted_total",
		Help: "Tasks accepted into the queue, by function name.",
	}, []string{"fn"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sre_queue_tasks_completed_total",
		Help: "Tasks that finished, by function name and outcome.",
	}, []string{"fn", "outcome"})

	DedupCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sre_queue_dedup_collisions_total",
		Help: "Submissions rejected because the dedup slot was already claimed.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sre_queue_depth",
		Help: "Pending and delayed task counts.",
	}, []string{"state"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sre_queue_task_duration_seconds",
		Help:    "Task execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"fn"})

	ReapedClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sre_queue_reaped_claims_total",
		Help: "Abandoned in-flight claims returned to the queue.",
	})

	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sre_scheduler_ticks_total",
		Help: "Completed scheduler passes.",
	})

	DueSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sre_scheduler_due_schedules",
		Help: "Schedules found due on the most recent pass.",
	})
)
