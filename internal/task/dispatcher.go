package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/liormedan/waveq-api/internal/backend"
	"github.com/liormedan/waveq-api/internal/file"
	"github.com/liormedan/waveq-api/internal/storage"
)

// FileResolver resolves a file reference ID to its metadata. Implemented by
// the session's file manager.
type FileResolver interface {
	Resolve(id string) (file.Reference, error)
}

// DispatchRequest is a structured tool invocation produced by the dialogue
// engine.
type DispatchRequest struct {
	// InvocationKey is the originating tool-call ID; retries with the same
	// key never create duplicate tasks.
	InvocationKey string
	// Op is the requested operation kind.
	Op Op
	// FileID references the source file. Required for every op except tts.
	FileID string
	// Turn is the conversation turn index creating this task, or -1.
	Turn int
	// Params is the raw parameter mapping for the operation.
	Params json.RawMessage
	// DeliverToS3 requests mirroring of completed artifacts to S3.
	DeliverToS3 bool
}

// DispatchAck is the immediate acknowledgment returned by Dispatch.
// It never waits for backend completion.
type DispatchAck struct {
	TaskID        string `json:"task_id"`
	Op            Op     `json:"operation"`
	Status        Status `json:"status"`
	StatusMessage string `json:"status_message"`
}

// Dispatcher validates tool invocations, creates registry entries, and
// drives each task to a terminal state by watching the processing backend.
// The registry stays the single mutation point: the watcher applies every
// observation through Registry.Update, so late or out-of-order backend
// notifications are rejected by the transition rules rather than applied.
type Dispatcher struct {
	backend      backend.Client
	store        storage.Storage
	logger       *slog.Logger
	validate     *validator.Validate
	pollInterval time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPollInterval sets the backend polling interval.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pollInterval = d
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(client backend.Client, store storage.Storage, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		backend:      client,
		store:        store,
		logger:       logger,
		validate:     newValidator(),
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates the request, creates a Task (pending, immediately
// advanced to processing), starts a background watcher that submits the
// work to the backend, and returns an acknowledgment without blocking on
// completion. Dispatching the same invocation key twice returns the
// existing task's acknowledgment and starts no second watcher.
func (d *Dispatcher) Dispatch(ctx context.Context, reg Registry, files FileResolver, req DispatchRequest) (DispatchAck, error) {
	if !req.Op.IsValid() {
		return DispatchAck{}, fmt.Errorf("%w: unknown operation %q", ErrValidation, req.Op)
	}

	params, err := NormalizeParams(d.validate, req.Op, req.Params)
	if err != nil {
		return DispatchAck{}, err
	}

	var fileLocator string
	if req.Op.RequiresFile() {
		if req.FileID == "" {
			return DispatchAck{}, fmt.Errorf("%w: field %q is required for %s", ErrValidation, "file_id", req.Op)
		}
		ref, err := files.Resolve(req.FileID)
		if err != nil {
			return DispatchAck{}, fmt.Errorf("%w: unknown file reference %q", ErrValidation, req.FileID)
		}
		fileLocator = ref.Locator
	}

	t := New(req.Op)
	t.InvocationKey = req.InvocationKey
	t.FileID = req.FileID
	t.Turn = req.Turn
	t.Params = params
	t.DeliverToS3 = req.DeliverToS3

	created, err := reg.Create(ctx, t)
	if err != nil {
		return DispatchAck{}, err
	}

	// A different ID back means the invocation key matched an earlier task;
	// acknowledge it without submitting again.
	if created.ID != t.ID {
		d.logger.Info("duplicate invocation ignored",
			slog.String("task_id", created.ID),
			slog.String("invocation_key", req.InvocationKey),
		)
		return ackFor(created), nil
	}

	updated, err := reg.Update(ctx, created.ID, StatusDelta{
		Status:  StatusProcessing,
		Message: fmt.Sprintf("Your %s request is processing", req.Op),
	})
	if err != nil {
		return DispatchAck{}, err
	}

	d.logger.Info("task dispatched",
		slog.String("task_id", updated.ID),
		slog.String("operation", string(req.Op)),
		slog.String("file_id", req.FileID),
	)

	// Watch with a detached context so completion is observed even after
	// the originating request ends.
	go d.watch(context.WithoutCancel(ctx), reg, updated.ID, backend.SubmitInput{
		FileLocator: fileLocator,
		Params:      params,
	})

	return ackFor(updated), nil
}

func ackFor(t *Task) DispatchAck {
	return DispatchAck{
		TaskID:        t.ID,
		Op:            t.Op,
		Status:        t.Status,
		StatusMessage: t.Message,
	}
}

// watch submits the task to the backend and polls until it reaches a
// terminal state, applying every observation through the registry.
func (d *Dispatcher) watch(ctx context.Context, reg Registry, taskID string, input backend.SubmitInput) {
	snapshot, err := reg.Get(ctx, taskID)
	if err != nil {
		d.logger.Error("watch aborted: task missing", slog.String("task_id", taskID))
		return
	}

	jobID, err := d.backend.Submit(ctx, string(snapshot.Op), input)
	if err != nil {
		d.failTask(ctx, reg, taskID, fmt.Sprintf("backend submission failed: %v", err))
		return
	}

	if _, err := reg.Update(ctx, taskID, StatusDelta{BackendJobID: jobID}); err != nil {
		// Cancelled before the job ID was recorded; CancelTask never saw it,
		// so stop the backend job from here.
		if cancelErr := d.backend.Cancel(ctx, jobID); cancelErr != nil {
			d.logger.Warn("backend cancel failed",
				slog.String("task_id", taskID),
				slog.String("backend_job_id", jobID),
				slog.String("error", cancelErr.Error()),
			)
		}
		d.logger.Warn("task finished before submission was recorded",
			slog.String("task_id", taskID),
			slog.String("backend_job_id", jobID),
		)
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := d.backend.Poll(ctx, jobID)
		if err != nil {
			d.failTask(ctx, reg, taskID, fmt.Sprintf("backend polling failed: %v", err))
			return
		}

		switch res.Status {
		case backend.StatusInQueue, backend.StatusInProgress:
			progress := res.Progress
			_, err := reg.Update(ctx, taskID, StatusDelta{
				Progress: &progress,
				Message:  res.Message,
			})
			if errors.Is(err, ErrInvalidTransition) {
				// Task reached a terminal state through another path
				// (cancellation or push callback); stop watching.
				return
			}

		case backend.StatusCompleted:
			d.completeTask(ctx, reg, taskID, snapshot, res.Output)
			return

		case backend.StatusFailed:
			reason := res.Error
			if reason == "" {
				reason = "processing failed"
			}
			d.failTask(ctx, reg, taskID, reason)
			return

		case backend.StatusCancelled:
			d.failTask(ctx, reg, taskID, "cancelled by processing backend")
			return

		default:
			d.logger.Warn("unknown backend status",
				slog.String("task_id", taskID),
				slog.String("status", string(res.Status)),
			)
		}
	}
}

// completeTask validates the result shape, optionally mirrors artifacts to
// S3, and marks the task completed. A payload inconsistent with the
// operation kind fails the task instead of corrupting the display.
func (d *Dispatcher) completeTask(ctx context.Context, reg Registry, taskID string, snapshot *Task, output json.RawMessage) {
	probe := &Task{ID: taskID, Op: snapshot.Op, Status: StatusCompleted, Result: output}
	projected, err := Project(probe)
	if err != nil {
		d.failTask(ctx, reg, taskID, err.Error())
		return
	}

	if snapshot.DeliverToS3 {
		rewritten, err := d.mirrorArtifacts(ctx, projected)
		if err != nil {
			d.logger.Error("S3 delivery failed, keeping local artifacts",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		} else if rewritten != nil {
			output = rewritten
		}
	}

	if _, err := reg.Update(ctx, taskID, StatusDelta{Status: StatusCompleted, Result: output}); err != nil {
		d.logger.Warn("completion dropped as protocol violation",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.Info("task completed", slog.String("task_id", taskID), slog.String("operation", string(snapshot.Op)))
}

// failTask marks the task failed, preserving an earlier terminal state if
// the update loses the race.
func (d *Dispatcher) failTask(ctx context.Context, reg Registry, taskID, reason string) {
	if _, err := reg.Update(ctx, taskID, StatusDelta{Status: StatusFailed, Error: reason}); err != nil {
		d.logger.Warn("failure dropped as protocol violation",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.Info("task failed", slog.String("task_id", taskID), slog.String("reason", reason))
}

// mirrorArtifacts uploads local artifacts referenced by a projected result
// to S3 and returns the payload with locators rewritten to S3 URLs.
// Results without artifacts (transcripts, sentiment) pass through unchanged.
func (d *Dispatcher) mirrorArtifacts(ctx context.Context, projected *Projected) (json.RawMessage, error) {
	switch {
	case projected.Audio != nil:
		url, err := d.mirrorOne(ctx, projected.Audio.Locator)
		if err != nil {
			return nil, err
		}
		if url != "" {
			projected.Audio.Locator = url
		}
		return json.Marshal(projected.Audio)

	case projected.Separation != nil:
		for i := range projected.Separation.Sources {
			url, err := d.mirrorOne(ctx, projected.Separation.Sources[i].Locator)
			if err != nil {
				return nil, err
			}
			if url != "" {
				projected.Separation.Sources[i].Locator = url
			}
		}
		return json.Marshal(projected.Separation)

	default:
		return nil, nil
	}
}

// mirrorOne uploads a single local artifact and returns its S3 URL.
// Locators that are already URLs are left alone.
func (d *Dispatcher) mirrorOne(ctx context.Context, locator string) (string, error) {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return "", nil
	}
	rc, err := d.store.Open(ctx, locator)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", locator, err)
	}
	defer func() { _ = rc.Close() }()

	return d.store.UploadToS3(ctx, path.Base(locator), rc)
}

// CancelTask transitions a non-terminal task to failed with the given
// reason and asks the backend to stop the job. Already-completed tasks are
// unaffected and returned as-is.
func (d *Dispatcher) CancelTask(ctx context.Context, reg Registry, taskID, reason string) (*Task, error) {
	t, err := reg.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	updated, err := reg.Update(ctx, taskID, StatusDelta{Status: StatusFailed, Error: reason})
	if errors.Is(err, ErrInvalidTransition) {
		// Lost the race against completion; the terminal state stands.
		return reg.Get(ctx, taskID)
	}
	if err != nil {
		return nil, err
	}

	if t.BackendJobID != "" {
		if cancelErr := d.backend.Cancel(ctx, t.BackendJobID); cancelErr != nil {
			d.logger.Warn("backend cancel failed",
				slog.String("task_id", taskID),
				slog.String("backend_job_id", t.BackendJobID),
				slog.String("error", cancelErr.Error()),
			)
		}
	}

	d.logger.Info("task cancelled", slog.String("task_id", taskID), slog.String("reason", reason))
	return updated, nil
}

// CancelTurn cancels every still-pending or processing task created by the
// given turn. Completed tasks are left untouched.
func (d *Dispatcher) CancelTurn(ctx context.Context, reg Registry, turn int, reason string) ([]*Task, error) {
	tasks, err := reg.ListByTurn(ctx, turn)
	if err != nil {
		return nil, err
	}

	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		cancelled, err := d.CancelTask(ctx, reg, t.ID, reason)
		if err != nil {
			return nil, err
		}
		out = append(out, cancelled)
	}
	return out, nil
}
