package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task priority bands. Higher bands dispatch first; within a band tasks
// dispatch in submission order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority band.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Rank returns the numeric ordering of a priority band. Unknown values rank
// as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Defaults applied when a task config omits optional fields.
const (
	DefaultTimeoutMS     = 30000
	DefaultRetryAttempts = 3
	DefaultRetryDelayMS  = 1000
)

// TaskConfig carries per-task execution settings. Nil pointer fields fall
// back to the package defaults, so a zero TaskConfig is fully usable.
type TaskConfig struct {
	TimeoutMS      *int     `json:"timeout_ms,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
	RetryAttempts  *int     `json:"retry_attempts,omitempty"`
	RetryDelayMS   *int     `json:"retry_delay_ms,omitempty"`
	EnableProgress bool     `json:"enable_progress,omitempty"`
	MemLimitMB     *int     `json:"mem_limit_mb,omitempty"`
	CPULimitPct    *int     `json:"cpu_limit_pct,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
}

// Timeout returns the effective handler timeout.
func (c TaskConfig) Timeout() time.Duration {
	if c.TimeoutMS != nil && *c.TimeoutMS > 0 {
		return time.Duration(*c.TimeoutMS) * time.Millisecond
	}
	return DefaultTimeoutMS * time.Millisecond
}

// Retries returns how many times a task is re-dispatched after its execution
// unit crashes mid-run. Handler failures and timeouts are never retried.
func (c TaskConfig) Retries() int {
	if c.RetryAttempts != nil && *c.RetryAttempts >= 0 {
		return *c.RetryAttempts
	}
	return DefaultRetryAttempts
}

// RetryDelay returns the pause before a crash-recovered task re-enters the
// queue.
func (c TaskConfig) RetryDelay() time.Duration {
	if c.RetryDelayMS != nil && *c.RetryDelayMS >= 0 {
		return time.Duration(*c.RetryDelayMS) * time.Millisecond
	}
	return DefaultRetryDelayMS * time.Millisecond
}

// Task is a unit of processing work submitted to the engine. The payload is
// canonical JSON captured at submission, so a task never holds live
// references into caller state. Immutable once enqueued.
type Task struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	OwnerKind string          `json:"owner_kind"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Config    TaskConfig      `json:"config"`
	Priority  Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskResult is the outcome of one task execution. Exactly one of Value and
// Error is set once Success is known.
type TaskResult struct {
	Success         bool            `json:"success"`
	Value           json.RawMessage `json:"value,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int             `json:"execution_time_ms"`
	MemoryUsageMB   float64         `json:"memory_usage_mb"`
	ProgressPct     float64         `json:"progress_pct"`
}

// ErrNotSerializable is returned when a task payload cannot be represented
// as JSON.
var ErrNotSerializable = errors.New("payload not serializable")

// MarshalPayload converts an arbitrary payload value into its canonical JSON
// form. Values JSON cannot express (functions, channels, cycles) are rejected
// with ErrNotSerializable. A nil payload is allowed and stays nil.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: invalid JSON", ErrNotSerializable)
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	return data, nil
}
