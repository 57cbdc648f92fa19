package unit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/model"
)

// callOutcome captures how a handler goroutine finished.
type callOutcome struct {
	value    any
	err      error
	panicked bool
	panicVal any
	exited   bool
}

// Invoke runs one task's handler with timeout enforcement and panic
// recovery, returning the task's result. The handler runs on its own
// goroutine and is raced against the task timeout; if the timer wins, the
// handler is abandoned (its late return and any further progress calls are
// discarded) and a failed result with error "timeout" is produced. Panics
// become failed results rather than propagating.
//
// The second return reports that the handler goroutine terminated without
// returning (runtime.Goexit). Units treat that as an execution context
// crash rather than a task failure; Invoke itself never calls Goexit.
//
// Invoke is shared by execution units and by the engine's synchronous
// fallback path, which supplies the caller's context.
func Invoke(ctx context.Context, fn handler.Func, t *model.Task, report handler.ProgressFunc) (model.TaskResult, bool) {
	hctx, cancel := context.WithTimeout(ctx, t.Config.Timeout())
	defer cancel()

	var (
		lastPct   atomic.Uint64 // math.Float64bits of the last reported pct
		abandoned atomic.Bool
	)
	progress := func(pct float64) {
		if abandoned.Load() {
			return
		}
		pct = min(max(pct, 0), 100)
		lastPct.Store(math.Float64bits(pct))
		if report != nil && t.Config.EnableProgress {
			report(pct)
		}
	}

	req := handler.Request{
		TaskID:    t.ID,
		OwnerID:   t.OwnerID,
		OwnerKind: t.OwnerKind,
		Payload:   t.Payload,
		Progress:  progress,
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	done := make(chan callOutcome, 1)
	go func() {
		var out callOutcome
		returned := false
		defer func() {
			if r := recover(); r != nil {
				out.panicked = true
				out.panicVal = r
			} else if !returned {
				out.exited = true
			}
			done <- out
		}()
		out.value, out.err = fn(hctx, req)
		returned = true
	}()

	var out callOutcome
	select {
	case out = <-done:
	case <-hctx.Done():
		abandoned.Store(true)
		reason := "timeout"
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		return finish(start, &before, model.TaskResult{
			Success:     false,
			Error:       reason,
			ProgressPct: loadPct(&lastPct),
		}), false
	}

	switch {
	case out.exited:
		return model.TaskResult{}, true
	case out.panicked:
		return finish(start, &before, model.TaskResult{
			Success:     false,
			Error:       fmt.Sprintf("handler panic: %v", out.panicVal),
			ProgressPct: loadPct(&lastPct),
		}), false
	case out.err != nil:
		return finish(start, &before, model.TaskResult{
			Success:     false,
			Error:       errorText(out.err, hctx, ctx),
			ProgressPct: loadPct(&lastPct),
		}), false
	}

	value, err := marshalValue(out.value)
	if err != nil {
		return finish(start, &before, model.TaskResult{
			Success:     false,
			Error:       fmt.Sprintf("result not serializable: %v", err),
			ProgressPct: loadPct(&lastPct),
		}), false
	}

	return finish(start, &before, model.TaskResult{
		Success:     true,
		Value:       value,
		ProgressPct: 100,
	}), false
}

// finish stamps execution time and memory usage onto a result. Memory is
// the whole-process heap delta around the handler run, clamped at zero. It
// is a coarse signal shared by everything running in the process.
func finish(start time.Time, before *runtime.MemStats, res model.TaskResult) model.TaskResult {
	res.ExecutionTimeMS = int(time.Since(start).Milliseconds())

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	if after.HeapAlloc > before.HeapAlloc {
		res.MemoryUsageMB = float64(after.HeapAlloc-before.HeapAlloc) / (1 << 20)
	}
	return res
}

// errorText normalizes context errors surfaced by cooperative handlers.
// A task that hit its deadline reports "timeout" whether the timer fired
// first or the handler noticed the expired context and returned first.
func errorText(err error, hctx, ctx context.Context) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && hctx.Err() != nil && ctx.Err() == nil:
		return "timeout"
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return "cancelled"
	}
	return err.Error()
}

func loadPct(v *atomic.Uint64) float64 {
	return math.Float64frombits(v.Load())
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
