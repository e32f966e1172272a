package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// APIKeyPrefix is the required prefix on inbound bearer tokens.
	APIKeyPrefix string
	// APIKeys is the list of accepted bearer tokens. Empty disables auth.
	APIKeys []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		APIKeyPrefix:   "waveq_",
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Register routes with method-based patterns (Go 1.22+)
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/v1/files", h.UploadFile)
	mux.HandleFunc("GET /api/v1/files", h.ListFiles)

	mux.HandleFunc("POST /api/v1/tasks", h.DispatchTask)
	mux.HandleFunc("GET /api/v1/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/status", h.TaskStatusCallback)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", h.CancelTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/result/{part}", h.DownloadResult)
	mux.HandleFunc("GET /api/v1/tasks/{id}/watch", h.WatchTask)

	mux.HandleFunc("POST /api/v1/turns", h.CreateTurn)
	mux.HandleFunc("GET /api/v1/turns", h.RenderTurns)
	mux.HandleFunc("DELETE /api/v1/turns/{index}", h.CancelTurn)

	mux.HandleFunc("GET /static/{path...}", h.ServeStatic)

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
		AuthMiddleware(cfg.APIKeyPrefix, cfg.APIKeys),
	)

	return chain(mux)
}
