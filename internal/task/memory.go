package task

import (
	"context"
	"sync"
)

// Compile-time check that MemoryRegistry implements Registry.
var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory implementation of Registry. Tasks are kept
// in a map for O(1) lookup and a separate slice preserving creation order
// for stable iteration. Suitable for session-scoped state; swap for
// persistent storage behind the same interface if tasks must outlive the
// process.
type MemoryRegistry struct {
	mu           sync.RWMutex
	tasks        map[string]*Task
	order        []string          // creation order for stable iteration
	byInvocation map[string]string // invocation key -> task ID
}

// NewMemoryRegistry creates a new in-memory task registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tasks:        make(map[string]*Task),
		byInvocation: make(map[string]string),
	}
}

// Create inserts a task, deduplicating on the invocation key.
// The registry stores its own clone so external mutations cannot reach it.
func (r *MemoryRegistry) Create(_ context.Context, t *Task) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.InvocationKey != "" {
		if existingID, ok := r.byInvocation[t.InvocationKey]; ok {
			return r.tasks[existingID].Clone(), nil
		}
	}

	stored := t.Clone()
	r.tasks[stored.ID] = stored
	r.order = append(r.order, stored.ID)
	if stored.InvocationKey != "" {
		r.byInvocation[stored.InvocationKey] = stored.ID
	}
	return stored.Clone(), nil
}

// Update applies a status delta to a single task. The read-modify-write is
// indivisible with respect to concurrent updates to the same task: the
// stored task's own lock serializes the transition check and the write, so
// an out-of-order "processing" arriving after "completed" is rejected with
// ErrInvalidTransition and the stored state stays untouched.
func (r *MemoryRegistry) Update(_ context.Context, taskID string, delta StatusDelta) (*Task, error) {
	r.mu.RLock()
	stored, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	if err := applyDelta(stored, delta); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// applyDelta validates and applies a delta against a stored task.
func applyDelta(t *Task, delta StatusDelta) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch delta.Status {
	case "":
		// Progress-only update; terminal tasks no longer accept them.
		if t.Status.IsTerminal() {
			return ErrInvalidTransition
		}
	case StatusCompleted:
		if len(delta.Result) == 0 {
			return ErrMissingResult
		}
	case StatusFailed:
		if delta.Error == "" {
			return ErrMissingError
		}
	}

	if delta.Status != "" {
		if err := t.transitionLocked(delta.Status); err != nil {
			return err
		}
		switch delta.Status {
		case StatusCompleted:
			t.Result = append(t.Result[:0:0], delta.Result...)
			t.Error = ""
			t.Progress = 100
		case StatusFailed:
			t.Error = delta.Error
			t.Result = nil
		}
	}

	if delta.Progress != nil {
		p := *delta.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		t.Progress = p
	}
	if delta.Message != "" {
		t.Message = delta.Message
	}
	if delta.BackendJobID != "" {
		t.BackendJobID = delta.BackendJobID
	}
	return nil
}

// Get retrieves a task snapshot by ID.
func (r *MemoryRegistry) Get(_ context.Context, taskID string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List returns snapshots of all tasks in creation order.
func (r *MemoryRegistry) List(_ context.Context) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Task, 0, len(r.order))
	for _, taskID := range r.order {
		result = append(result, r.tasks[taskID].Clone())
	}
	return result, nil
}

// ListByTurn returns snapshots of the tasks created by a turn, in creation order.
func (r *MemoryRegistry) ListByTurn(_ context.Context, turn int) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Task
	for _, taskID := range r.order {
		if t := r.tasks[taskID]; t.Turn == turn {
			result = append(result, t.Clone())
		}
	}
	return result, nil
}
