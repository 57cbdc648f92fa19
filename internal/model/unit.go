package model

import "time"

// Execution unit status constants.
const (
	UnitUninitialized = "uninitialized"
	UnitIdle          = "idle"
	UnitBusy          = "busy"
	UnitError         = "error"
	UnitTerminated    = "terminated"
)

// validTransitions maps each unit status to the set of statuses it may
// transition to. Termination is reachable from every live state.
var validTransitions = map[string]map[string]bool{
	UnitUninitialized: {
		UnitIdle:       true,
		UnitTerminated: true,
	},
	UnitIdle: {
		UnitBusy:       true,
		UnitTerminated: true,
	},
	UnitBusy: {
		UnitIdle:       true,
		UnitError:      true,
		UnitTerminated: true,
	},
	UnitError: {
		UnitIdle:       true,
		UnitTerminated: true,
	},
}

// ValidTransition reports whether transitioning from one unit status to
// another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// UnitHealth is the per-unit status record kept by the pool manager. It is
// mutated only by the manager in response to unit messages and its own
// timers.
type UnitHealth struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	CurrentTaskID   string    `json:"current_task_id,omitempty"`
	ExecutionTimeMS int       `json:"execution_time_ms"`
	MemoryUsageMB   float64   `json:"memory_usage_mb"`
	CPUUsagePct     float64   `json:"cpu_usage_pct"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	ErrorCount      int       `json:"error_count"`
	TaskCount       int       `json:"task_count"`
}

// PoolStats is a derived aggregate snapshot of the pool. It is recomputed
// from unit health and counters, never a source of truth.
type PoolStats struct {
	TotalWorkers           int     `json:"total_workers"`
	ActiveWorkers          int     `json:"active_workers"`
	IdleWorkers            int     `json:"idle_workers"`
	ErrorWorkers           int     `json:"error_workers"`
	QueuedTasks            int     `json:"queued_tasks"`
	CompletedTasks         int     `json:"completed_tasks"`
	FailedTasks            int     `json:"failed_tasks"`
	AverageExecutionTimeMS float64 `json:"average_execution_time_ms"`
	TotalMemoryUsageMB     float64 `json:"total_memory_usage_mb"`
	TotalCPUUsagePct       float64 `json:"total_cpu_usage_pct"`
}

// QueueStatus describes the pending and in-flight work in the pool.
type QueueStatus struct {
	QueuedTasks int     `json:"queued_tasks"`
	ActiveTasks int     `json:"active_tasks"`
	Tasks       []*Task `json:"tasks"`
}
