// Package task provides the Task aggregate for audio processing operations.
// It includes the Task entity with monotone status transitions, the Registry
// that owns all task state, the Dispatcher that turns structured tool calls
// into registry entries and backend submissions, and the Result Projector
// that maps stored result payloads to typed results.
package task

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/liormedan/waveq-api/internal/task/id"
)

// Op represents the kind of audio processing operation a task performs.
type Op string

const (
	// OpDenoise removes background noise and enhances speech.
	OpDenoise Op = "denoise"
	// OpTranscribe converts speech to text with optional diarization.
	OpTranscribe Op = "transcribe"
	// OpTrim removes silence segments from the audio.
	OpTrim Op = "trim"
	// OpSeparate splits the audio into individual sources (vocals, drums, ...).
	OpSeparate Op = "separate"
	// OpSentiment analyzes the emotional content of the audio.
	OpSentiment Op = "sentiment"
	// OpTTS synthesizes speech from text.
	OpTTS Op = "tts"
)

// IsValid returns true if the operation kind is one of the six supported ops.
func (o Op) IsValid() bool {
	switch o {
	case OpDenoise, OpTranscribe, OpTrim, OpSeparate, OpSentiment, OpTTS:
		return true
	default:
		return false
	}
}

// RequiresFile returns true if the operation needs a source file reference.
// TTS originates from text and is the only operation that does not.
func (o Op) RequiresFile() bool {
	return o != OpTTS
}

// Status represents the current state of a Task.
type Status string

const (
	// StatusPending indicates the task was accepted but not yet submitted.
	StatusPending Status = "pending"
	// StatusProcessing indicates the backend is working on the task.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task encountered an error or was cancelled.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when a status update would move a task
// backward along the pending -> processing -> {completed, failed} chain.
var ErrInvalidTransition = errors.New("task: invalid status transition")

// validTransitions defines which status transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// canTransition checks if a transition from one status to another is valid.
// A same-status update on a non-terminal task is allowed so that progress
// refreshes do not count as transitions.
func canTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Task represents one invocation of an audio operation. It is the single
// source of truth for the operation's status; conversation turns hold task
// IDs only and read state back through the Registry.
type Task struct {
	mu sync.RWMutex

	// ID is the unique identifier for this task.
	ID string
	// InvocationKey is the client-supplied tool-call ID used to deduplicate
	// retries of the same logical invocation. Empty means no deduplication.
	InvocationKey string
	// Op is the operation kind.
	Op Op
	// FileID references the source FileReference. Empty for tts.
	FileID string
	// Turn is the index of the conversation turn that created this task,
	// or -1 if the task was dispatched outside a turn.
	Turn int
	// Params is the canonical JSON encoding of the validated operation
	// parameters, as sent to the processing backend.
	Params json.RawMessage
	// Status is the current task state.
	Status Status
	// Progress is the percentage of completion (0-100).
	Progress int
	// Message is a human-readable status message.
	Message string
	// Error contains the failure reason. Set if and only if Status is failed.
	Error string
	// Result is the raw backend result payload. Set if and only if Status
	// is completed. Its shape depends on Op; see the Result Projector.
	Result json.RawMessage
	// BackendJobID is the ID assigned by the processing backend.
	BackendJobID string
	// DeliverToS3 indicates whether completed artifacts are mirrored to S3.
	DeliverToS3 bool
	// CreatedAt is when the task was created.
	CreatedAt time.Time
	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when the task reached a terminal state.
	CompletedAt time.Time
}

// New creates a new Task with a generated ID and initial pending status.
func New(op Op) *Task {
	now := time.Now()
	return &Task{
		ID:        id.Generate(),
		Op:        op,
		Turn:      -1,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWithID creates a new Task with the specified ID and pending status.
// Useful for testing or when the ID is externally generated.
func NewWithID(taskID string, op Op) *Task {
	now := time.Now()
	return &Task{
		ID:        taskID,
		Op:        op,
		Turn:      -1,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the task status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (t *Task) TransitionTo(status Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(status)
}

func (t *Task) transitionLocked(status Status) error {
	if !canTransition(t.Status, status) {
		return ErrInvalidTransition
	}

	changed := t.Status != status
	t.Status = status
	t.UpdatedAt = time.Now()

	if changed {
		switch status {
		case StatusProcessing:
			t.StartedAt = t.UpdatedAt
		case StatusCompleted, StatusFailed:
			t.CompletedAt = t.UpdatedAt
		}
	}

	return nil
}

// Start transitions the task from pending to processing.
func (t *Task) Start() error {
	return t.TransitionTo(StatusProcessing)
}

// Complete transitions the task to completed and stores the result payload.
// The payload must be non-empty; a completed task always carries a result.
func (t *Task) Complete(result json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(result) == 0 {
		return ErrMissingResult
	}
	if err := t.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	t.Result = result
	t.Error = ""
	t.Progress = 100
	return nil
}

// Fail transitions the task to failed with a reason.
func (t *Task) Fail(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(StatusFailed); err != nil {
		return err
	}
	t.Error = reason
	t.Result = nil
	return nil
}

// GetStatus returns the current task status (thread-safe).
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetProgress sets the progress percentage (0-100) and optional message.
func (t *Task) SetProgress(progress int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	if message != "" {
		t.Message = message
	}
	t.UpdatedAt = time.Now()
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status.IsTerminal()
}

// Clone creates a deep copy of the task for safe reads.
func (t *Task) Clone() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var params json.RawMessage
	if t.Params != nil {
		params = make(json.RawMessage, len(t.Params))
		copy(params, t.Params)
	}
	var result json.RawMessage
	if t.Result != nil {
		result = make(json.RawMessage, len(t.Result))
		copy(result, t.Result)
	}

	return &Task{
		ID:            t.ID,
		InvocationKey: t.InvocationKey,
		Op:            t.Op,
		FileID:        t.FileID,
		Turn:          t.Turn,
		Params:        params,
		Status:        t.Status,
		Progress:      t.Progress,
		Message:       t.Message,
		Error:         t.Error,
		Result:        result,
		BackendJobID:  t.BackendJobID,
		DeliverToS3:   t.DeliverToS3,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}
