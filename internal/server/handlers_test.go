package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liormedan/waveq-api/internal/backend"
	"github.com/liormedan/waveq-api/internal/session"
	"github.com/liormedan/waveq-api/internal/storage"
	"github.com/liormedan/waveq-api/internal/task"
)

// fakeBackend is a scripted processing backend served over httptest.
// mode controls what Poll reports: "complete", "inprogress" or "fail".
type fakeBackend struct {
	mu     sync.Mutex
	mode   string
	output json.RawMessage
	jobs   int
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	// net/http's ServeMux rejects "POST /operations/{op}/run" and
	// "POST /operations/cancel/{id}" as ambiguous, so dispatch the two
	// POST routes manually.
	mux.HandleFunc("POST /operations/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/operations/cancel/"):
			_, _ = w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/run"):
			f.mu.Lock()
			f.jobs++
			id := fmt.Sprintf("job-%d", f.jobs)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "status": "IN_QUEUE"})
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /operations/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		mode := f.mode
		output := f.output
		f.mu.Unlock()

		resp := map[string]any{"id": r.PathValue("id")}
		switch mode {
		case "complete":
			resp["status"] = "COMPLETED"
			resp["output"] = output
		case "fail":
			resp["status"] = "FAILED"
			resp["error"] = "gpu exploded"
		default:
			resp["status"] = "IN_PROGRESS"
			resp["progress"] = 42
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

type testEnv struct {
	router  http.Handler
	store   *storage.LocalStorage
	backend *fakeBackend
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fb := &fakeBackend{mode: "inprogress"}
	backendSrv := httptest.NewServer(fb.handler())
	t.Cleanup(backendSrv.Close)

	client, err := backend.NewClient(backendSrv.URL, backend.WithAPIKey("test-key"))
	require.NoError(t, err)

	root := t.TempDir()
	store, err := storage.NewLocalStorage(root)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := task.NewDispatcher(client, store, logger, task.WithPollInterval(2*time.Millisecond))
	sessions := session.NewManager(0)

	handlers := NewHandlers(sessions, dispatcher, store, logger)
	router := NewRouter(handlers, logger, DefaultConfig())

	return &testEnv{router: router, store: store, backend: fb, root: root}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-Session-ID", "test-session")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) uploadWAV(t *testing.T, filename string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{"audio/wav"}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, _ = part.Write([]byte("RIFF fake audio"))
	require.NoError(t, mw.Close())

	rec := e.do(t, http.MethodPost, "/api/v1/files", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.FileID)
	return resp.FileID
}

func (e *testEnv) waitForTaskStatus(t *testing.T, taskID, want string) TaskResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last TaskResponse
	for time.Now().Before(deadline) {
		rec := e.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
		if last.Status == want {
			return last
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s (last: %s)", taskID, want, last.Status)
	return last
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUploadFile(t *testing.T) {
	env := newTestEnv(t)

	fileID := env.uploadWAV(t, "interview.wav")

	rec := env.do(t, http.MethodGet, "/api/v1/files", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list FileListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Files, 1)
	assert.Equal(t, fileID, list.Files[0].FileID)
	assert.Equal(t, "interview.wav", list.Files[0].Filename)
}

func TestUploadFile_RejectsNonAudio(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="movie.mp4"`},
		"Content-Type":        {"video/mp4"},
	}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, _ = part.Write([]byte("not audio"))
	require.NoError(t, mw.Close())

	rec := env.do(t, http.MethodPost, "/api/v1/files", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UNSUPPORTED_TYPE", resp.Code)
}

func TestDispatch_FullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.backend.mu.Lock()
	env.backend.mode = "complete"
	env.backend.output = json.RawMessage(`{"locator":"outputs/clean.wav","filename":"clean.wav"}`)
	env.backend.mu.Unlock()

	fileID := env.uploadWAV(t, "noisy.wav")

	body, _ := json.Marshal(DispatchRequest{
		InvocationID: "call-1",
		Operation:    "denoise",
		FileID:       fileID,
	})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, task.StatusProcessing, ack.Status)
	require.NotEmpty(t, ack.TaskID)

	final := env.waitForTaskStatus(t, ack.TaskID, "completed")
	assert.Equal(t, 100, final.Progress)
	assert.NotEmpty(t, final.Result)
	assert.Empty(t, final.Error)
}

func TestDispatch_IdempotentInvocation(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.uploadWAV(t, "a.wav")

	body, _ := json.Marshal(DispatchRequest{
		InvocationID: "call-dup",
		Operation:    "transcribe",
		FileID:       fileID,
	})

	rec1 := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec1.Code)
	rec2 := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec2.Code)

	var ack1, ack2 task.DispatchAck
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &ack1))
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &ack2))
	assert.Equal(t, ack1.TaskID, ack2.TaskID)

	rec := env.do(t, http.MethodGet, "/api/v1/tasks", nil, "")
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Tasks, 1)
}

func TestDispatch_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.uploadWAV(t, "a.wav")

	cases := []struct {
		name string
		req  DispatchRequest
	}{
		{"unknown operation", DispatchRequest{Operation: "reverb", FileID: fileID}},
		{"missing file", DispatchRequest{Operation: "denoise"}},
		{"unknown file", DispatchRequest{Operation: "denoise", FileID: "ghost"}},
		{"bad params", DispatchRequest{Operation: "tts", Params: json.RawMessage(`{"text":"hi","speed":9}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.req)
			rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "VALIDATION_ERROR", resp.Code)
		})
	}
}

func TestTaskStatusCallback(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.uploadWAV(t, "a.wav")

	body, _ := json.Marshal(DispatchRequest{Operation: "trim", FileID: fileID})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))

	// Push a completion through the callback endpoint.
	cb, _ := json.Marshal(StatusCallbackRequest{
		Status: "completed",
		Result: json.RawMessage(`{"locator":"outputs/trimmed.wav","filename":"trimmed.wav"}`),
	})
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+ack.TaskID+"/status", bytes.NewReader(cb), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A late out-of-order notification must be rejected with 409.
	late, _ := json.Marshal(StatusCallbackRequest{Status: "processing", Message: "still going"})
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+ack.TaskID+"/status", bytes.NewReader(late), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_TRANSITION", resp.Code)

	// State is unchanged by the rejected update.
	final := env.waitForTaskStatus(t, ack.TaskID, "completed")
	assert.Equal(t, 100, final.Progress)
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.uploadWAV(t, "a.wav")

	body, _ := json.Marshal(DispatchRequest{Operation: "separate", FileID: fileID})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))

	rec = env.do(t, http.MethodDelete, "/api/v1/tasks/"+ack.TaskID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "cancelled by user", resp.Error)
}

func TestTurns_RenderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.backend.mu.Lock()
	env.backend.mode = "complete"
	env.backend.output = json.RawMessage(`{"text":"hello world","language":"en"}`)
	env.backend.mu.Unlock()

	fileID := env.uploadWAV(t, "speech.wav")

	// User asks; agent dispatches and records the turn.
	turnBody, _ := json.Marshal(TurnRequest{Role: "user", Content: "transcribe this"})
	rec := env.do(t, http.MethodPost, "/api/v1/turns", bytes.NewReader(turnBody), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	dispatchBody, _ := json.Marshal(DispatchRequest{Operation: "transcribe", FileID: fileID})
	rec = env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(dispatchBody), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))

	turnBody, _ = json.Marshal(TurnRequest{Role: "agent", Content: "on it", TaskIDs: []string{ack.TaskID}})
	rec = env.do(t, http.MethodPost, "/api/v1/turns", bytes.NewReader(turnBody), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	env.waitForTaskStatus(t, ack.TaskID, "completed")

	rec = env.do(t, http.MethodGet, "/api/v1/turns", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var render RenderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &render))
	require.Len(t, render.Units, 2)
	assert.Equal(t, "message", string(render.Units[0].Kind))
	assert.Equal(t, "results", string(render.Units[1].Kind))
	require.Len(t, render.Units[1].Results, 1)
	assert.Equal(t, "hello world", render.Units[1].Results[0].Transcript.Text)
}

func TestCreateTurn_RejectsUnknownTask(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(TurnRequest{Role: "agent", Content: "hm", TaskIDs: []string{"task-ghost"}})
	rec := env.do(t, http.MethodPost, "/api/v1/turns", bytes.NewReader(body), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTurn(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.uploadWAV(t, "a.wav")

	turnIdx := 0
	body, _ := json.Marshal(DispatchRequest{Operation: "denoise", FileID: fileID, Turn: &turnIdx})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))

	turnBody, _ := json.Marshal(TurnRequest{Role: "agent", Content: "denoising", TaskIDs: []string{ack.TaskID}})
	rec = env.do(t, http.MethodPost, "/api/v1/turns", bytes.NewReader(turnBody), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/turns/0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelTurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Cancelled, 1)
	assert.Equal(t, "failed", resp.Cancelled[0].Status)

	rec = env.do(t, http.MethodDelete, "/api/v1/turns/99", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadResult(t *testing.T) {
	env := newTestEnv(t)
	env.backend.mu.Lock()
	env.backend.mode = "complete"
	env.backend.output = json.RawMessage(`{"locator":"outputs/clean.wav","filename":"clean.wav"}`)
	env.backend.mu.Unlock()

	// Put the artifact where the backend claims it is.
	artifact := filepath.Join(env.root, "outputs", "clean.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("RIFF cleaned"), 0600))

	fileID := env.uploadWAV(t, "noisy.wav")
	body, _ := json.Marshal(DispatchRequest{Operation: "denoise", FileID: fileID})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	env.waitForTaskStatus(t, ack.TaskID, "completed")

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+ack.TaskID+"/result/audio", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFF cleaned", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "clean.wav")

	// Unknown part.
	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+ack.TaskID+"/result/vocals", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadResult_Transcript(t *testing.T) {
	env := newTestEnv(t)
	env.backend.mu.Lock()
	env.backend.mode = "complete"
	env.backend.output = json.RawMessage(`{"text":"hello world","language":"en"}`)
	env.backend.mu.Unlock()

	fileID := env.uploadWAV(t, "speech.wav")
	body, _ := json.Marshal(DispatchRequest{Operation: "transcribe", FileID: fileID})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	env.waitForTaskStatus(t, ack.TaskID, "completed")

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+ack.TaskID+"/result/transcript", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".txt")

	// Transcripts have no audio artifact.
	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+ack.TaskID+"/result/audio", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	// Rebuild the router with auth enabled.
	cfg := DefaultConfig()
	cfg.APIKeys = []string{"waveq_valid"}
	authed := ChainMiddleware(AuthMiddleware(cfg.APIKeyPrefix, cfg.APIKeys))(env.router)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong prefix", "Bearer other_valid", http.StatusUnauthorized},
		{"unknown key", "Bearer waveq_nope", http.StatusUnauthorized},
		{"valid key", "Bearer waveq_valid", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
			req.Header.Set("X-Session-ID", "s")
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			authed.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	// Health stays open without a token.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	authed.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Static serving sits outside the protected subtree.
	artifact := filepath.Join(env.root, "outputs", "public.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("RIFF public"), 0600))
	req = httptest.NewRequest(http.MethodGet, "/static/outputs/public.wav", nil)
	rec = httptest.NewRecorder()
	authed.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFF public", rec.Body.String())
}

func TestSessionIsolation(t *testing.T) {
	env := newTestEnv(t)
	_ = env.uploadWAV(t, "mine.wav")

	// A different session sees no files.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("X-Session-ID", "other-session")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list FileListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Files)
}

func TestDispatch_BackendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.mu.Lock()
	env.backend.mode = "fail"
	env.backend.mu.Unlock()

	fileID := env.uploadWAV(t, "a.wav")
	body, _ := json.Marshal(DispatchRequest{Operation: "sentiment", FileID: fileID})
	rec := env.do(t, http.MethodPost, "/api/v1/tasks", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack task.DispatchAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))

	final := env.waitForTaskStatus(t, ack.TaskID, "failed")
	assert.Equal(t, "gpu exploded", final.Error)
	assert.Empty(t, final.Result)
}

func TestServeStatic(t *testing.T) {
	env := newTestEnv(t)

	artifact := filepath.Join(env.root, "outputs", "mix.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("RIFF mix"), 0600))

	rec := env.do(t, http.MethodGet, "/static/outputs/mix.wav", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFF mix", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/static/outputs/missing.wav", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
