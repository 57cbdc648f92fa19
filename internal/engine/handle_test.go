package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emberworks/bellows/internal/model"
)

func testHandle(watchdog time.Duration, ch chan model.TaskResult) *Handle {
	return &Handle{
		task:     &model.Task{ID: model.NewID()},
		watchdog: watchdog,
		ch:       ch,
	}
}

func TestWaitWatchdogExpires(t *testing.T) {
	ch := make(chan model.TaskResult, 1)
	h := testHandle(20*time.Millisecond, ch)

	_, err := h.Wait(context.Background())
	if !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("error = %v, want ErrAwaitTimeout", err)
	}

	// A late delivery does not overturn the recorded timeout.
	ch <- model.TaskResult{Success: true}
	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrAwaitTimeout) {
		t.Errorf("second Wait error = %v, want cached ErrAwaitTimeout", err)
	}
}

func TestWaitClosedChannel(t *testing.T) {
	ch := make(chan model.TaskResult)
	close(ch)
	h := testHandle(time.Second, ch)

	if _, err := h.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}

func TestWaitDeliversAndCaches(t *testing.T) {
	ch := make(chan model.TaskResult, 1)
	ch <- model.TaskResult{Success: true, ExecutionTimeMS: 7}
	h := testHandle(time.Second, ch)

	first, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !first.Success || first.ExecutionTimeMS != 7 {
		t.Fatalf("result = %+v", first)
	}

	second, err := h.Wait(context.Background())
	if err != nil || second != first {
		t.Errorf("second Wait = (%p, %v), want cached (%p, nil)", second, err, first)
	}
}

func TestWaitContextErrorNotCached(t *testing.T) {
	ch := make(chan model.TaskResult, 1)
	h := testHandle(time.Second, ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	// The caller can come back for the result after giving up once.
	ch <- model.TaskResult{Success: true}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait after cancel: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v, want success", res)
	}
}
