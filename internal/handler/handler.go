// Package handler holds the registry of named processing functions that
// tasks reference. The engine never receives executable code from callers,
// only a stable handler reference plus a serializable payload; every
// execution context resolves the reference against the same registry.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when a handler reference resolves to nothing.
var ErrNotRegistered = errors.New("handler not registered")

// ProgressFunc reports task progress as a percentage in [0, 100]. Safe to
// call from the handler goroutine at any time; calls after the task has been
// abandoned are dropped.
type ProgressFunc func(pct float64)

// Request carries everything a handler needs to process one task. Payload is
// the canonical JSON captured at submission.
type Request struct {
	TaskID    string
	OwnerID   string
	OwnerKind string
	Payload   json.RawMessage
	Progress  ProgressFunc
}

// Func is a processing function invoked by an execution unit. The returned
// value must be representable as JSON; returning an error marks the task
// failed without affecting the unit.
type Func func(ctx context.Context, req Request) (any, error)

// Registry maps handler references to processing functions. It is populated
// at program start before the engine accepts work and is safe for concurrent
// lookup.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		fns: make(map[string]Func),
	}
}

// Register adds a handler under the given reference. It panics on an empty
// reference, a nil function, or a duplicate registration. Registration
// happens at program start, before the engine accepts work.
func (r *Registry) Register(ref string, fn Func) {
	if ref == "" {
		panic("handler: empty reference")
	}
	if fn == nil {
		panic(fmt.Sprintf("handler: nil function for %q", ref))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fns[ref]; exists {
		panic(fmt.Sprintf("handler: duplicate registration for %q", ref))
	}
	r.fns[ref] = fn
}

// Lookup resolves a handler reference.
func (r *Registry) Lookup(ref string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.fns[ref]
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, ErrNotRegistered)
	}
	return fn, nil
}

// Refs returns all registered handler references, sorted for a stable API
// response.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.fns))
	for ref := range r.fns {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
