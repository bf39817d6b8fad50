// Package metrics holds the prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qcflow"

var (
	RepositoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "operations_total",
		Help:      "Repository operations by backend, operation and outcome",
	}, []string{"backend", "op", "status"})

	RepositoryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "repository",
		Name:      "operation_duration_seconds",
		Help:      "Repository operation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend", "op"})

	ChecksEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checker",
		Name:      "evaluations_total",
		Help:      "Check evaluations by check and resulting quality",
	}, []string{"check", "quality"})

	CheckErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checker",
		Name:      "errors_total",
		Help:      "Check failures by check and error kind",
	}, []string{"check", "kind"})

	TriggersDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checker",
		Name:      "triggers_deduplicated_total",
		Help:      "Triggers dropped because an equivalent trigger was already pending",
	})

	TaskCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "cycles_total",
		Help:      "Task cycles by task and outcome",
	}, []string{"task", "status"})

	TaskState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "state",
		Help:      "Current cycle state of each task runner",
	}, []string{"task"})

	ObjectsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "objects_published_total",
		Help:      "Monitor objects published by task",
	}, []string{"task"})

	BatchesBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "batches_buffered_total",
		Help:      "Cycle batches spooled because the repository was unavailable",
	}, []string{"task"})

	TrendPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trending",
		Name:      "points_total",
		Help:      "Trend points written by trending task",
	}, []string{"task"})

	TrendSourcesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trending",
		Name:      "sources_skipped_total",
		Help:      "Trend sources skipped during a pass, by reason",
	}, []string{"task", "reason"})

	VersionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "versions_deleted_total",
		Help:      "Object versions removed by retention rules",
	})
)
