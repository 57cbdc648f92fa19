package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberworks/bellows/internal/model"
)

// Metric label values for task outcome.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

// Restart reasons used as metric labels.
const (
	restartReasonErrors = "errors"
	restartReasonStale  = "stale"
	restartReasonCrash  = "crash"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellows_tasks_total",
			Help: "Total number of tasks finished, by outcome and priority.",
		},
		[]string{"status", "priority"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bellows_task_duration_seconds",
			Help:    "Handler execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellows_queue_depth",
			Help: "Number of tasks waiting in the queue.",
		},
	)

	unitsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellows_units_busy",
			Help: "Number of execution units currently running a task.",
		},
	)

	unitsIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellows_units_idle",
			Help: "Number of execution units ready for work.",
		},
	)

	unitsError = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bellows_units_error",
			Help: "Number of execution units in the error state.",
		},
	)

	unitRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bellows_unit_restarts_total",
			Help: "Total number of execution unit restarts, by reason.",
		},
		[]string{"reason"},
	)

	tasksRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bellows_tasks_retried_total",
			Help: "Total number of tasks re-queued after an execution unit crash.",
		},
	)

	progressSignalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bellows_progress_signals_total",
			Help: "Total number of task progress signals published.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(unitsBusy)
	prometheus.MustRegister(unitsIdle)
	prometheus.MustRegister(unitsError)
	prometheus.MustRegister(unitRestartsTotal)
	prometheus.MustRegister(tasksRetriedTotal)
	prometheus.MustRegister(progressSignalsTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityNormal, model.PriorityHigh} {
		tasksTotal.WithLabelValues(outcomeCompleted, string(p))
		tasksTotal.WithLabelValues(outcomeFailed, string(p))
		taskDuration.WithLabelValues(string(p))
	}
	for _, reason := range []string{restartReasonErrors, restartReasonStale, restartReasonCrash} {
		unitRestartsTotal.WithLabelValues(reason)
	}
}

// ObserveTask records the outcome and duration of one finished task. The
// engine's synchronous fallback path reports through this as well.
func ObserveTask(success bool, priority model.Priority, d time.Duration) {
	outcome := outcomeCompleted
	if !success {
		outcome = outcomeFailed
	}
	tasksTotal.WithLabelValues(outcome, string(priority)).Inc()
	taskDuration.WithLabelValues(string(priority)).Observe(d.Seconds())
}
