package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/journal"
	"github.com/emberworks/bellows/internal/model"
	"github.com/emberworks/bellows/internal/pool"
	"github.com/emberworks/bellows/internal/unit"
)

// awaitGrace is how long past a task's own timeout Wait keeps listening
// before giving up on the pool entirely.
const awaitGrace = 5 * time.Second

var (
	// ErrClosed is returned for any operation on a destroyed engine.
	ErrClosed = errors.New("engine destroyed")

	// ErrAwaitTimeout is returned when a result fails to arrive within the
	// task timeout plus grace.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrInvalidConfig is returned when a task's configuration is rejected
	// before it is enqueued.
	ErrInvalidConfig = errors.New("invalid task config")
)

// Engine validates tasks and routes them to the unit pool, or runs them
// inline when the pool is disabled.
type Engine struct {
	registry *handler.Registry
	jour     journal.Journal
	logger   *slog.Logger
	broker   *pool.SignalBroker
	pool     *pool.Manager // nil in synchronous fallback mode

	closed atomic.Bool

	// Fallback-mode counters; the pool keeps its own.
	inlineCompleted atomic.Int64
	inlineFailed    atomic.Int64
	inlineExecMS    atomic.Int64
}

// NewEngine creates an engine with the given number of pooled workers.
// Worker counts above the pool cap are clamped; zero or fewer selects
// synchronous fallback mode, where every task runs inline on the calling
// goroutine. A nil journal disables history.
func NewEngine(workers int, reg *handler.Registry, jour journal.Journal, logger *slog.Logger) *Engine {
	if jour == nil {
		jour = journal.Discard{}
	}
	if workers > pool.MaxUnits {
		logger.Warn("clamping worker count", "requested", workers, "max", pool.MaxUnits)
		workers = pool.MaxUnits
	}

	e := &Engine{
		registry: reg,
		jour:     jour,
		logger:   logger,
		broker:   pool.NewSignalBroker(),
	}

	if workers > 0 {
		e.pool = pool.NewManager(workers, reg, jour, e.broker, logger)
		e.pool.Start()
		logger.Info("engine started", "workers", workers)
	} else {
		logger.Info("engine started in synchronous fallback mode")
	}
	return e
}

// Broker returns the engine's signal broker for SSE subscription.
func (e *Engine) Broker() *pool.SignalBroker {
	return e.broker
}

// Handlers returns the registered handler references in sorted order.
func (e *Engine) Handlers() []string {
	return e.registry.Refs()
}

// IsAvailable reports whether the engine accepts new tasks.
func (e *Engine) IsAvailable() bool {
	return !e.closed.Load()
}

// ExecuteInBackground validates and enqueues a task, returning a Handle
// for awaiting its result. Validation failures (unknown handler, payload
// that does not serialize, unknown priority) reject synchronously and
// nothing is enqueued. ctx only bounds inline fallback execution;
// pooled tasks run under their own timeout.
func (e *Engine) ExecuteInBackground(ctx context.Context, ownerID, ownerKind, handlerRef string, payload any, overrides *model.TaskConfig) (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	fn, err := e.registry.Lookup(handlerRef)
	if err != nil {
		return nil, err
	}

	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	var cfg model.TaskConfig
	if overrides != nil {
		cfg = *overrides
	}
	priority := cfg.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, priority)
	}
	cfg.Priority = priority

	t := &model.Task{
		ID:        model.NewID(),
		OwnerID:   ownerID,
		OwnerKind: ownerKind,
		Handler:   handlerRef,
		Payload:   raw,
		Config:    cfg,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	if e.pool == nil {
		return e.runInline(ctx, fn, t), nil
	}

	ch, err := e.pool.Submit(t)
	if err != nil {
		if errors.Is(err, pool.ErrStopped) {
			return nil, ErrClosed
		}
		return nil, err
	}

	return &Handle{
		task:     t,
		ch:       ch,
		watchdog: cfg.Timeout() + awaitGrace,
	}, nil
}

// runInline executes the task on the calling goroutine and returns a
// Handle that is already resolved.
func (e *Engine) runInline(ctx context.Context, fn handler.Func, t *model.Task) *Handle {
	e.logger.Debug("executing task inline", "task_id", t.ID, "handler", t.Handler)

	res, crashed := unit.Invoke(ctx, fn, t, func(pct float64) {
		e.broker.Publish(t.ID, model.Signal{
			TaskID: t.ID,
			Name:   model.SignalProgress,
			Value:  pct,
			Source: t.OwnerID,
		})
	})
	if crashed {
		res = model.TaskResult{Success: false, Error: "handler exited without returning"}
	}
	// Inline execution shares the caller's process; there is no isolated
	// footprint to report.
	res.MemoryUsageMB = 0

	if res.Success {
		e.inlineCompleted.Add(1)
	} else {
		e.inlineFailed.Add(1)
	}
	e.inlineExecMS.Add(int64(res.ExecutionTimeMS))
	pool.ObserveTask(res.Success, t.Priority, time.Duration(res.ExecutionTimeMS)*time.Millisecond)

	rec := &journal.Record{
		TaskID:          t.ID,
		OwnerID:         t.OwnerID,
		OwnerKind:       t.OwnerKind,
		Handler:         t.Handler,
		Priority:        string(t.Priority),
		Success:         res.Success,
		Error:           res.Error,
		ExecutionTimeMS: res.ExecutionTimeMS,
		MemoryUsageMB:   res.MemoryUsageMB,
		CreatedAt:       t.CreatedAt,
		FinishedAt:      time.Now().UTC(),
	}
	if err := e.jour.Record(context.Background(), rec); err != nil {
		e.logger.Error("failed to journal task", "task_id", t.ID, "error", err)
	}

	e.broker.Publish(t.ID, model.Signal{
		TaskID: t.ID,
		Name:   model.SignalExecutionTime,
		Value:  float64(res.ExecutionTimeMS),
		Source: t.OwnerID,
	})
	e.broker.Close(t.ID)

	return &Handle{task: t, res: &res}
}

// Result returns the retained result of a finished pooled task. Fallback
// mode retains nothing; history lives in the journal.
func (e *Engine) Result(taskID string) (*model.TaskResult, bool) {
	if e.pool == nil {
		return nil, false
	}
	res, ok := e.pool.Result(taskID)
	if !ok {
		return nil, false
	}
	return &res, true
}

// Stats returns a pool statistics snapshot. In synchronous fallback mode
// only the task counters are populated.
func (e *Engine) Stats() model.PoolStats {
	if e.pool != nil {
		return e.pool.Stats()
	}
	completed := int(e.inlineCompleted.Load())
	failed := int(e.inlineFailed.Load())
	stats := model.PoolStats{
		CompletedTasks: completed,
		FailedTasks:    failed,
	}
	if n := completed + failed; n > 0 {
		stats.AverageExecutionTimeMS = float64(e.inlineExecMS.Load()) / float64(n)
	}
	return stats
}

// WorkerHealth returns per-unit health snapshots, empty in fallback mode.
func (e *Engine) WorkerHealth() []model.UnitHealth {
	if e.pool == nil {
		return []model.UnitHealth{}
	}
	health := e.pool.Health()
	if health == nil {
		health = []model.UnitHealth{}
	}
	return health
}

// QueueStatus returns the queued and in-flight work. Fallback mode never
// queues.
func (e *Engine) QueueStatus() model.QueueStatus {
	if e.pool == nil {
		return model.QueueStatus{Tasks: []*model.Task{}}
	}
	return e.pool.QueueStatus()
}

// Destroy stops the engine. Queued and in-flight tasks are abandoned and
// their waiters receive ErrClosed. Destroy is idempotent.
func (e *Engine) Destroy() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.broker.Shutdown()
	e.logger.Info("engine destroyed")
}

// Handle is the caller's view of one submitted task.
type Handle struct {
	task     *model.Task
	watchdog time.Duration
	ch       <-chan model.TaskResult

	mu  sync.Mutex
	res *model.TaskResult
	err error
}

// TaskID returns the submitted task's ID.
func (h *Handle) TaskID() string {
	return h.task.ID
}

// Task returns the submitted task.
func (h *Handle) Task() *model.Task {
	return h.task
}

// Wait blocks until the task finishes, the engine is destroyed, the
// watchdog window (task timeout plus grace) elapses, or ctx ends. All
// outcomes except a ctx error are cached, so repeated calls agree.
func (h *Handle) Wait(ctx context.Context) (*model.TaskResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.res != nil || h.err != nil {
		return h.res, h.err
	}

	timer := time.NewTimer(h.watchdog)
	defer timer.Stop()

	select {
	case res, ok := <-h.ch:
		if !ok {
			h.err = ErrClosed
			return nil, h.err
		}
		h.res = &res
		return h.res, nil
	case <-timer.C:
		h.err = fmt.Errorf("%w: no result within %s", ErrAwaitTimeout, h.watchdog)
		return nil, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
