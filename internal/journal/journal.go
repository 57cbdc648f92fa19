// Package journal persists finished task executions so their outcomes
// survive result eviction and can be queried for history and aggregate
// statistics.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a task ID.
var ErrNotFound = errors.New("record not found")

// Record is one finished task execution.
type Record struct {
	TaskID          string    `json:"task_id"`
	OwnerID         string    `json:"owner_id"`
	OwnerKind       string    `json:"owner_kind"`
	Handler         string    `json:"handler"`
	Priority        string    `json:"priority"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMS int       `json:"execution_time_ms"`
	MemoryUsageMB   float64   `json:"memory_usage_mb"`
	CreatedAt       time.Time `json:"created_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Stats holds aggregate execution statistics.
type Stats struct {
	Total          int            `json:"total"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	CountByHandler map[string]int `json:"count_by_handler"`
	AvgExecutionMS float64        `json:"avg_execution_ms"`
}

// Journal defines the persistence operations for finished tasks.
type Journal interface {
	Record(ctx context.Context, r *Record) error
	Get(ctx context.Context, taskID string) (*Record, error)
	Recent(ctx context.Context, limit, offset int) ([]*Record, int, error)
	Stats(ctx context.Context) (*Stats, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Discard is a Journal that keeps nothing.
type Discard struct{}

// Compile-time interface satisfaction check.
var _ Journal = Discard{}

func (Discard) Record(context.Context, *Record) error { return nil }

func (Discard) Get(context.Context, string) (*Record, error) { return nil, ErrNotFound }

func (Discard) Recent(context.Context, int, int) ([]*Record, int, error) { return nil, 0, nil }

func (Discard) Stats(context.Context) (*Stats, error) {
	return &Stats{
		CountByOutcome: make(map[string]int),
		CountByHandler: make(map[string]int),
	}, nil
}

func (Discard) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (Discard) Close() error { return nil }
