package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/liormedan/waveq-api/internal/conversation"
	"github.com/liormedan/waveq-api/internal/file"
	"github.com/liormedan/waveq-api/internal/session"
	"github.com/liormedan/waveq-api/internal/storage"
	"github.com/liormedan/waveq-api/internal/task"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	sessions   *session.Manager
	dispatcher *task.Dispatcher
	store      storage.Storage
	validator  *validator.Validate
	logger     *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sessions *session.Manager, dispatcher *task.Dispatcher, store storage.Storage, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sessions:   sessions,
		dispatcher: dispatcher,
		store:      store,
		validator:  validator.New(),
		logger:     logger,
	}
}

// session resolves the conversation session for a request from the
// X-Session-ID header, creating one on first use. The resolved ID is
// echoed back so clients that omitted it can keep the minted session.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) *session.Session {
	sess := h.sessions.Get(r.Header.Get("X-Session-ID"))
	w.Header().Set("X-Session-ID", sess.ID)
	return sess
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// UploadFile handles POST /api/v1/files requests with a multipart body.
func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	maxBytes := sess.Files.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1024)

	src, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit", "FILE_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form field 'file' is required", "INVALID_UPLOAD")
		return
	}
	defer func() { _ = src.Close() }()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(path.Ext(header.Filename))
	}

	locator, err := h.store.SaveUpload(r.Context(), header.Filename, src)
	if err != nil {
		h.logger.Error("failed to save upload",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store file", "STORAGE_FAILED")
		return
	}

	ref, err := sess.Files.Register(header.Filename, mimeType, header.Size, locator)
	if err != nil {
		// Roll back the stored bytes so rejected uploads leave nothing behind.
		_ = h.store.Remove(r.Context(), []string{locator})
		switch {
		case errors.Is(err, file.ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, err.Error(), "UNSUPPORTED_TYPE")
		case errors.Is(err, file.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error(), "FILE_TOO_LARGE")
		default:
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_UPLOAD")
		}
		return
	}

	h.logger.Info("file uploaded",
		slog.String("file_id", ref.ID),
		slog.String("filename", ref.Filename),
		slog.Int64("size_bytes", ref.SizeBytes),
	)

	writeJSON(w, http.StatusCreated, UploadResponse{
		FileID:    ref.ID,
		Filename:  ref.Filename,
		SizeBytes: ref.SizeBytes,
		MIMEType:  ref.MIMEType,
	})
}

// ListFiles handles GET /api/v1/files requests.
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	refs := sess.Files.List()
	resp := FileListResponse{Files: make([]UploadResponse, 0, len(refs))}
	for _, ref := range refs {
		resp.Files = append(resp.Files, UploadResponse{
			FileID:    ref.ID,
			Filename:  ref.Filename,
			SizeBytes: ref.SizeBytes,
			MIMEType:  ref.MIMEType,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DispatchTask handles POST /api/v1/tasks requests.
func (h *Handlers) DispatchTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	turn := -1
	if req.Turn != nil {
		turn = *req.Turn
	}

	ack, err := h.dispatcher.Dispatch(r.Context(), sess.Tasks, sess.Files, task.DispatchRequest{
		InvocationKey: req.InvocationID,
		Op:            task.Op(req.Operation),
		FileID:        req.FileID,
		Turn:          turn,
		Params:        req.Params,
		DeliverToS3:   req.DeliverToS3,
	})
	if err != nil {
		if errors.Is(err, task.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		h.logger.Error("failed to dispatch task",
			slog.String("operation", req.Operation),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to dispatch task", "DISPATCH_FAILED")
		return
	}

	writeJSON(w, http.StatusAccepted, ack)
}

// GetTask handles GET /api/v1/tasks/{id} requests.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	taskID := r.PathValue("id")
	t, err := sess.Tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse(t))
}

// ListTasks handles GET /api/v1/tasks requests. Tasks are returned in
// creation order.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	tasks, err := sess.Tasks.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks", "TASK_LIST_FAILED")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// TaskStatusCallback handles POST /api/v1/tasks/{id}/status requests, the
// push path for backend status notifications. Updates that violate the
// status state machine are rejected with 409 and leave the task unchanged.
func (h *Handlers) TaskStatusCallback(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	taskID := r.PathValue("id")

	var req StatusCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	updated, err := sess.Tasks.Update(r.Context(), taskID, task.StatusDelta{
		Status:   task.Status(req.Status),
		Progress: req.Progress,
		Message:  req.Message,
		Error:    req.Error,
		Result:   req.Result,
	})
	if err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		case errors.Is(err, task.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error(), "INVALID_TRANSITION")
		case errors.Is(err, task.ErrMissingResult), errors.Is(err, task.ErrMissingError):
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		default:
			h.logger.Error("failed to apply status update",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to update task", "UPDATE_FAILED")
		}
		return
	}

	writeJSON(w, http.StatusOK, taskResponse(updated))
}

// CancelTask handles DELETE /api/v1/tasks/{id} requests. Pending and
// processing tasks move to failed with a cancellation reason; completed
// tasks are returned unchanged.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	taskID := r.PathValue("id")

	t, err := h.dispatcher.CancelTask(r.Context(), sess.Tasks, taskID, "cancelled by user")
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
			return
		}
		h.logger.Error("failed to cancel task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel task", "CANCEL_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse(t))
}

// DownloadResult handles GET /api/v1/tasks/{id}/result/{part} requests,
// streaming a completed task's artifact. For single-artifact operations the
// part is "audio"; separation results address stems by source type, and
// transcripts are served as plain text under the "transcript" part.
func (h *Handlers) DownloadResult(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	taskID := r.PathValue("id")
	part := r.PathValue("part")

	t, err := sess.Tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		return
	}
	if t.Status != task.StatusCompleted {
		writeError(w, http.StatusConflict, "task has no result yet", "RESULT_NOT_READY")
		return
	}

	projected, err := task.Project(t)
	if err != nil {
		h.logger.Error("stored result failed projection",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error(), "MALFORMED_RESULT")
		return
	}

	// Transcripts carry their content inline rather than as a stored artifact.
	if projected.Transcript != nil {
		if part != "transcript" && part != "0" {
			writeError(w, http.StatusNotFound, "no such result part", "RESULT_PART_NOT_FOUND")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(taskID+".txt"))
		_, _ = io.WriteString(w, projected.Transcript.Text)
		return
	}

	locator, filename := artifactFor(projected, part)
	if locator == "" {
		writeError(w, http.StatusNotFound, "no such result part", "RESULT_PART_NOT_FOUND")
		return
	}

	// Mirrored artifacts live behind an S3 URL; send the client there.
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		http.Redirect(w, r, locator, http.StatusFound)
		return
	}

	h.streamStored(w, r, locator, filename)
}

// ServeStatic handles GET /static/{path...} requests for stored files.
func (h *Handlers) ServeStatic(w http.ResponseWriter, r *http.Request) {
	locator := r.PathValue("path")
	h.streamStored(w, r, locator, path.Base(locator))
}

func (h *Handlers) streamStored(w http.ResponseWriter, r *http.Request, locator, filename string) {
	rc, err := h.store.Open(r.Context(), locator)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found", "FILE_NOT_FOUND")
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := mime.TypeByExtension(path.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filename))

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("artifact stream interrupted",
			slog.String("locator", locator),
			slog.String("error", err.Error()),
		)
	}
}

// CreateTurn handles POST /api/v1/turns requests, appending a turn to the
// session's conversation log. Every referenced task must already exist.
func (h *Handlers) CreateTurn(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	for _, id := range req.TaskIDs {
		if _, err := sess.Tasks.Get(r.Context(), id); err != nil {
			writeError(w, http.StatusBadRequest, "unknown task "+id, "VALIDATION_ERROR")
			return
		}
	}

	turn := sess.Log.Append(conversation.Role(req.Role), req.Content, req.TaskIDs)

	writeJSON(w, http.StatusCreated, TurnResponse{
		Index:   turn.Index,
		Role:    string(turn.Role),
		Content: turn.Content,
		TaskIDs: turn.TaskIDs,
	})
}

// RenderTurns handles GET /api/v1/turns requests, returning the display
// units for the full conversation against the current task states.
func (h *Handlers) RenderTurns(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	units, err := sess.Aggregator.Render(r.Context(), sess.Log.Turns())
	if err != nil {
		h.logger.Error("failed to render conversation",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to render conversation", "RENDER_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, RenderResponse{Units: units})
}

// CancelTurn handles DELETE /api/v1/turns/{index} requests, cancelling
// every still-running task the turn dispatched.
func (h *Handlers) CancelTurn(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "turn index must be an integer", "INVALID_TURN_INDEX")
		return
	}
	if _, err := sess.Log.Get(index); err != nil {
		writeError(w, http.StatusNotFound, "turn not found", "TURN_NOT_FOUND")
		return
	}

	cancelled, err := h.dispatcher.CancelTurn(r.Context(), sess.Tasks, index, "cancelled by user")
	if err != nil {
		h.logger.Error("failed to cancel turn",
			slog.Int("turn", index),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel turn", "CANCEL_FAILED")
		return
	}

	resp := CancelTurnResponse{Cancelled: make([]TaskResponse, 0, len(cancelled))}
	for _, t := range cancelled {
		resp.Cancelled = append(resp.Cancelled, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func taskResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID,
		Operation: string(t.Op),
		Status:    string(t.Status),
		Progress:  t.Progress,
		Message:   t.Message,
		Error:     t.Error,
		Result:    t.Result,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// artifactFor maps a result part name to its locator and download filename.
func artifactFor(p *task.Projected, part string) (locator, filename string) {
	switch {
	case p.Audio != nil:
		if part == "audio" || part == "0" {
			name := p.Audio.Filename
			if name == "" {
				name = path.Base(p.Audio.Locator)
			}
			return p.Audio.Locator, name
		}
	case p.Separation != nil:
		for _, src := range p.Separation.Sources {
			if src.SourceType == part {
				name := src.Filename
				if name == "" {
					name = path.Base(src.Locator)
				}
				return src.Locator, name
			}
		}
	}
	return "", ""
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
