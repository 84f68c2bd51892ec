package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksTotal counts recorded tasks by outcome status
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crater_tasks_total",
		Help: "Total recorded tasks by outcome status",
	}, []string{"status"})

	// taskDuration tracks how long a task took from fetch to outcome
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crater_task_duration_seconds",
		Help:    "Task duration in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	}, []string{"toolchain"})

	// tasksSkipped counts tasks that never started because the run was interrupted
	tasksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crater_tasks_skipped_total",
		Help: "Tasks skipped because the run was interrupted",
	})

	// sinkErrors counts failed writes to the result sink
	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crater_sink_errors_total",
		Help: "Failed result sink writes",
	})
)
