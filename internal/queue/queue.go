// Package queue implements the priority-ordered pending task list. Higher
// priority bands pop first; within a band, tasks pop in insertion order.
// The queue is owned by the pool manager's coordinating goroutine and is
// not safe for concurrent use.
package queue

import (
	"container/heap"
	"sort"

	"github.com/emberworks/bellows/internal/model"
)

type item struct {
	task *model.Task
	rank int
	seq  uint64
	idx  int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

// Less orders by priority rank descending, then by insertion sequence
// ascending so that equal-priority tasks stay FIFO.
func (h taskHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.idx = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a priority queue of pending tasks.
type Queue struct {
	h   taskHeap
	seq uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return q.h.Len()
}

// Push enqueues a task according to its priority band.
func (q *Queue) Push(t *model.Task) {
	q.seq++
	heap.Push(&q.h, &item{task: t, rank: t.Priority.Rank(), seq: q.seq})
}

// Pop removes and returns the highest-priority, oldest-enqueued task, or nil
// if the queue is empty.
func (q *Queue) Pop() *model.Task {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*item).task
}

// PopEligible removes and returns the highest-priority, oldest-enqueued task
// for which eligible returns true. Ineligible tasks keep their queue
// position. Returns nil if no queued task is eligible.
func (q *Queue) PopEligible(eligible func(*model.Task) bool) *model.Task {
	var skipped []*item
	var found *model.Task

	for q.h.Len() > 0 {
		it := heap.Pop(&q.h).(*item)
		if eligible(it.task) {
			found = it.task
			break
		}
		skipped = append(skipped, it)
	}

	// Re-push with original sequence numbers so ordering is undisturbed.
	for _, it := range skipped {
		heap.Push(&q.h, it)
	}
	return found
}

// Snapshot returns the queued tasks in dispatch order without removing them.
func (q *Queue) Snapshot() []*model.Task {
	items := make([]*item, len(q.h))
	copy(items, q.h)
	sort.Slice(items, func(i, j int) bool {
		if items[i].rank != items[j].rank {
			return items[i].rank > items[j].rank
		}
		return items[i].seq < items[j].seq
	})

	tasks := make([]*model.Task, len(items))
	for i, it := range items {
		tasks[i] = it.task
	}
	return tasks
}

// Clear drops all queued tasks and returns how many were dropped.
func (q *Queue) Clear() int {
	n := q.h.Len()
	q.h = nil
	return n
}
