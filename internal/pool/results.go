package pool

import (
	"time"

	"github.com/emberworks/bellows/internal/model"
)

// resultEntry pairs a finished task's result with its completion time so
// the cleanup pass can evict by age.
type resultEntry struct {
	result model.TaskResult
	at     time.Time
}

// resultStore holds finished task results keyed by task ID. It is owned by
// the manager's coordinating loop and needs no locking of its own.
type resultStore struct {
	entries map[string]resultEntry
}

func newResultStore() *resultStore {
	return &resultStore{entries: make(map[string]resultEntry)}
}

func (r *resultStore) put(taskID string, res model.TaskResult) {
	r.entries[taskID] = resultEntry{result: res, at: time.Now()}
}

func (r *resultStore) get(taskID string) (model.TaskResult, bool) {
	e, ok := r.entries[taskID]
	return e.result, ok
}

func (r *resultStore) has(taskID string) bool {
	_, ok := r.entries[taskID]
	return ok
}

// evictOlder removes entries past the retention window and reports how
// many were removed.
func (r *resultStore) evictOlder(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	n := 0
	for id, e := range r.entries {
		if e.at.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

func (r *resultStore) clear() {
	r.entries = make(map[string]resultEntry)
}
