package task

import (
	"context"
	"encoding/json"
	"errors"
)

// Static errors for registry operations.
var (
	// ErrTaskNotFound is returned when a task cannot be found by ID.
	ErrTaskNotFound = errors.New("task: not found")
	// ErrMissingResult is returned when a completion carries no result payload.
	ErrMissingResult = errors.New("task: completed status requires a result payload")
	// ErrMissingError is returned when a failure carries no error description.
	ErrMissingError = errors.New("task: failed status requires an error description")
)

// StatusDelta describes a partial update applied to a task. Zero-valued
// fields leave the corresponding task attribute unchanged.
type StatusDelta struct {
	// Status is the requested status, or empty for a progress-only update.
	Status Status
	// Progress, if non-nil, sets the completion percentage (clamped to 0-100).
	Progress *int
	// Message, if non-empty, replaces the human-readable status message.
	Message string
	// Error is the failure reason. Required when Status is failed.
	Error string
	// Result is the backend result payload. Required when Status is completed.
	Result json.RawMessage
	// BackendJobID, if non-empty, records the backend's job identifier.
	BackendJobID string
}

// Registry defines the interface for task state ownership. It is the single
// mutation point for task status; all reads return snapshots (clones) so
// callers cannot corrupt registry state.
type Registry interface {
	// Create inserts a task. If the task carries an InvocationKey that was
	// seen before, no new task is inserted and the existing task's snapshot
	// is returned, making dispatch idempotent on the tool-call ID.
	Create(ctx context.Context, t *Task) (*Task, error)

	// Update applies a status delta atomically to a single task.
	// Returns ErrTaskNotFound if the task does not exist and
	// ErrInvalidTransition if the requested status would move the task
	// backward; in the latter case the stored state is preserved untouched.
	Update(ctx context.Context, taskID string, delta StatusDelta) (*Task, error)

	// Get retrieves a task snapshot by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns snapshots of all tasks in creation order.
	List(ctx context.Context) ([]*Task, error)

	// ListByTurn returns snapshots of the tasks created by the given
	// conversation turn, in creation order.
	ListByTurn(ctx context.Context, turn int) ([]*Task, error)
}
