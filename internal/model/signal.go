package model

// Signal names emitted by the engine.
const (
	SignalProgress      = "task.progress"
	SignalExecutionTime = "task.execution_ms"
)

// Signal is a coarse named performance measurement published on task
// progress and completion for external observers. Source identifies the
// submitting owner.
type Signal struct {
	TaskID string  `json:"task_id"`
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Source string  `json:"source"`
}
