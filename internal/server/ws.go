package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liormedan/waveq-api/internal/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchInterval is how often task snapshots are pushed to watchers.
const watchInterval = 500 * time.Millisecond

// WatchTask handles GET /api/v1/tasks/{id}/watch requests, upgrading to a
// websocket and pushing task snapshots until the task reaches a terminal
// state. The final snapshot is always delivered before the connection
// closes.
func (h *Handlers) WatchTask(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)
	taskID := r.PathValue("id")

	if _, err := sess.Tasks.Get(r.Context(), taskID); err != nil {
		writeError(w, http.StatusNotFound, "task not found", "TASK_NOT_FOUND")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = conn.Close() }()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var lastStatus task.Status
	lastProgress := -1

	for {
		t, err := sess.Tasks.Get(r.Context(), taskID)
		if err != nil {
			return
		}

		// Push only when something observable changed.
		if t.Status != lastStatus || t.Progress != lastProgress {
			if err := conn.WriteJSON(taskResponse(t)); err != nil {
				return
			}
			lastStatus = t.Status
			lastProgress = t.Progress
		}

		if t.Status.IsTerminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
