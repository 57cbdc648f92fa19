package queue_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/emberworks/bellows/internal/model"
	"github.com/emberworks/bellows/internal/queue"
)

func makeTask(id string, p model.Priority) *model.Task {
	return &model.Task{
		ID:        id,
		Handler:   "test.noop",
		Priority:  p,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPopOrderByPriority(t *testing.T) {
	q := queue.New()
	q.Push(makeTask("low", model.PriorityLow))
	q.Push(makeTask("normal", model.PriorityNormal))
	q.Push(makeTask("high", model.PriorityHigh))

	want := []string{"high", "normal", "low"}
	for _, id := range want {
		got := q.Pop()
		if got == nil || got.ID != id {
			t.Fatalf("Pop() = %v, want task %q", got, id)
		}
	}
	if q.Pop() != nil {
		t.Error("Pop() on empty queue should return nil")
	}
}

func TestFIFOWithinPriorityBand(t *testing.T) {
	q := queue.New()
	for i := 0; i < 10; i++ {
		q.Push(makeTask(fmt.Sprintf("n%d", i), model.PriorityNormal))
	}

	for i := 0; i < 10; i++ {
		got := q.Pop()
		want := fmt.Sprintf("n%d", i)
		if got.ID != want {
			t.Fatalf("Pop()[%d] = %q, want %q (FIFO within band)", i, got.ID, want)
		}
	}
}

func TestHighPriorityJumpsQueue(t *testing.T) {
	q := queue.New()
	q.Push(makeTask("n1", model.PriorityNormal))
	q.Push(makeTask("n2", model.PriorityNormal))
	q.Push(makeTask("h1", model.PriorityHigh))

	if got := q.Pop(); got.ID != "h1" {
		t.Errorf("first Pop() = %q, want h1", got.ID)
	}
	if got := q.Pop(); got.ID != "n1" {
		t.Errorf("second Pop() = %q, want n1", got.ID)
	}
}

func TestPopEligibleSkipsBlocked(t *testing.T) {
	q := queue.New()
	blocked := makeTask("blocked", model.PriorityHigh)
	blocked.Config.Dependencies = []string{"missing"}
	q.Push(blocked)
	q.Push(makeTask("free", model.PriorityNormal))

	got := q.PopEligible(func(task *model.Task) bool {
		return len(task.Config.Dependencies) == 0
	})
	if got == nil || got.ID != "free" {
		t.Fatalf("PopEligible = %v, want free", got)
	}

	// The blocked task keeps its place.
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	if got := q.Pop(); got.ID != "blocked" {
		t.Errorf("remaining task = %q, want blocked", got.ID)
	}
}

func TestPopEligiblePreservesOrderAfterSkip(t *testing.T) {
	q := queue.New()
	q.Push(makeTask("a", model.PriorityNormal))
	q.Push(makeTask("b", model.PriorityNormal))
	q.Push(makeTask("c", model.PriorityNormal))

	// Skip "a" once; "b" pops, then order resumes a, c.
	got := q.PopEligible(func(task *model.Task) bool { return task.ID != "a" })
	if got.ID != "b" {
		t.Fatalf("PopEligible = %q, want b", got.ID)
	}
	if got := q.Pop(); got.ID != "a" {
		t.Errorf("next Pop() = %q, want a", got.ID)
	}
	if got := q.Pop(); got.ID != "c" {
		t.Errorf("next Pop() = %q, want c", got.ID)
	}
}

func TestPopEligibleNoneEligible(t *testing.T) {
	q := queue.New()
	q.Push(makeTask("a", model.PriorityNormal))

	if got := q.PopEligible(func(*model.Task) bool { return false }); got != nil {
		t.Errorf("PopEligible = %v, want nil", got)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (skipped task retained)", q.Len())
	}
}

func TestSnapshotDispatchOrder(t *testing.T) {
	q := queue.New()
	q.Push(makeTask("n1", model.PriorityNormal))
	q.Push(makeTask("h1", model.PriorityHigh))
	q.Push(makeTask("l1", model.PriorityLow))
	q.Push(makeTask("n2", model.PriorityNormal))

	snap := q.Snapshot()
	want := []string{"h1", "n1", "n2", "l1"}
	if len(snap) != len(want) {
		t.Fatalf("len(snap) = %d, want %d", len(snap), len(want))
	}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("snap[%d] = %q, want %q", i, snap[i].ID, id)
		}
	}

	// Snapshot must not consume the queue.
	if q.Len() != 4 {
		t.Errorf("Len() after Snapshot = %d, want 4", q.Len())
	}
}

func TestClear(t *testing.T) {
	q := queue.New()
	q.Push(makeTask("a", model.PriorityNormal))
	q.Push(makeTask("b", model.PriorityHigh))

	if n := q.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", q.Len())
	}
	if q.Pop() != nil {
		t.Error("Pop() after Clear should return nil")
	}
}
