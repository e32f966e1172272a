// Package bootstrap provides dependency initialization for the WaveQ API.
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/liormedan/waveq-api/internal/backend"
	"github.com/liormedan/waveq-api/internal/config"
	"github.com/liormedan/waveq-api/internal/session"
	"github.com/liormedan/waveq-api/internal/storage"
	"github.com/liormedan/waveq-api/internal/task"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Sessions   *session.Manager
	Dispatcher *task.Dispatcher
	Store      storage.Storage
	Sweeper    *storage.LocalStorage
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize storage
	store, sweeper, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize processing backend client
	backendClient, err := backend.NewClient(cfg.BackendBaseURL, backend.WithAPIKey(cfg.BackendAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	dispatcher := task.NewDispatcher(backendClient, store, logger,
		task.WithPollInterval(time.Duration(cfg.PollIntervalMs)*time.Millisecond),
	)

	sessions := session.NewManager(cfg.MaxUploadBytes)

	return &Dependencies{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Store:      store,
		Sweeper:    sweeper,
	}, nil
}

// initStorage creates the appropriate storage backend based on
// configuration. The local store is always returned as the sweep target
// since S3 storage keeps its working files on local disk too.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, *storage.LocalStorage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.DataDir, s3Cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, s3Store.LocalStorage, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("data_dir", cfg.DataDir),
	)
	return localStore, localStore, nil
}
