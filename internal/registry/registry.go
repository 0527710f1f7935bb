// Package registry implements the in-memory task registry.
//
// The registry owns the canonical copy of every task. Readers get deep copies
// taken under the lock. Writes go through a Writer obtained with Claim; at
// most one Writer exists per task, so exactly one coordinator can mutate a
// task at a time. Once a task reaches a terminal status every further write
// is rejected, which makes late worker results harmless.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/types"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrExists            = errors.New("task already exists")
	ErrTaskOwned         = errors.New("task already has a writer")
	ErrTerminal          = errors.New("task is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReleased          = errors.New("writer released")
)

type entry struct {
	task    *types.Task
	claimed bool
}

// Registry is a thread-safe map from task id to task. Tasks are kept in a
// map for O(1) lookup and a slice to preserve insertion order for List.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	order []string
	now   func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks: make(map[string]*entry),
		now:   time.Now,
	}
}

// Create inserts a copy of t. The id must be unique.
func (r *Registry) Create(t *types.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("create: task id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	r.tasks[t.ID] = &entry{task: t.Clone()}
	r.order = append(r.order, t.ID)
	logging.RegistryDebug("created task %s (status=%s)", t.ID, t.Status)
	return nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.task.Clone(), nil
}

// List returns snapshots of all tasks in insertion order. If principal is
// non-empty only that principal's tasks are included.
func (r *Registry) List(principal string) []*types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Task, 0, len(r.order))
	for _, id := range r.order {
		t := r.tasks[id].task
		if principal != "" && t.Principal != principal {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of tasks held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Claim returns the single Writer for a task. A second Claim before Release
// fails with ErrTaskOwned.
func (r *Registry) Claim(id string) (*Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.claimed {
		return nil, fmt.Errorf("%w: %s", ErrTaskOwned, id)
	}
	e.claimed = true
	return &Writer{reg: r, id: id}, nil
}

// Sweep evicts terminal tasks that concluded more than retention ago and are
// not in use. inUse is called without the registry lock held, so it may
// take other locks. It returns the number of evicted tasks.
func (r *Registry) Sweep(retention time.Duration, inUse func(id string) bool) int {
	cutoff := r.now().Add(-retention)
	expired := func(e *entry) bool {
		t := e.task
		return t.Status.IsTerminal() && !e.claimed &&
			t.CompletedAt != nil && t.CompletedAt.Before(cutoff)
	}

	r.mu.RLock()
	var candidates []string
	for _, id := range r.order {
		if expired(r.tasks[id]) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	doomed := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if inUse == nil || !inUse(id) {
			doomed[id] = true
		}
	}
	if len(doomed) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	evicted := 0
	for _, id := range r.order {
		if e, ok := r.tasks[id]; ok && doomed[id] && expired(e) {
			delete(r.tasks, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	if evicted > 0 {
		logging.Registry("swept %d terminal tasks older than %v", evicted, retention)
	}
	return evicted
}

// Writer is the exclusive mutation handle for one task.
type Writer struct {
	reg      *Registry
	id       string
	mu       sync.Mutex
	released bool
}

// TaskID returns the id of the task this writer owns.
func (w *Writer) TaskID() string { return w.id }

// Update applies fn to a working copy of the task and commits it if fn
// returns nil. Terminal tasks reject every update with ErrTerminal. Status
// changes must be legal transitions, progress and seq never decrease, and a
// terminal transition stamps CompletedAt. The committed snapshot is returned.
func (w *Writer) Update(fn func(t *types.Task) error) (*types.Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil, ErrReleased
	}

	r := w.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[w.id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, w.id)
	}
	prev := e.task
	if prev.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, w.id, prev.Status)
	}

	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = prev.ID

	if next.Status != prev.Status && !prev.Status.CanTransition(next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Progress < prev.Progress {
		next.Progress = prev.Progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	if next.Seq < prev.Seq {
		next.Seq = prev.Seq
	}
	if next.Status.IsTerminal() && next.CompletedAt == nil {
		now := r.now()
		next.CompletedAt = &now
	}

	e.task = next
	return next.Clone(), nil
}

// Release gives up ownership so the task can be claimed again (or swept).
func (w *Writer) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true

	w.reg.mu.Lock()
	defer w.reg.mu.Unlock()
	if e, ok := w.reg.tasks[w.id]; ok {
		e.claimed = false
	}
}
