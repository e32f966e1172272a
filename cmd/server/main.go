// Package main provides the entry point for the WaveQ API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liormedan/waveq-api/internal/bootstrap"
	"github.com/liormedan/waveq-api/internal/config"
	"github.com/liormedan/waveq-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting WaveQ API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("data_dir", cfg.DataDir),
		slog.Int64("max_upload_bytes", cfg.MaxUploadBytes),
		slog.Int("poll_interval_ms", cfg.PollIntervalMs),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Sessions, deps.Dispatcher, deps.Store, logger)
	routerCfg := server.DefaultConfig()
	routerCfg.APIKeyPrefix = cfg.APIKeyPrefix
	routerCfg.APIKeys = cfg.APIKeys
	router := server.NewRouter(handlers, logger, routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Allow for large artifact downloads
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Periodic sweep of aged uploads and artifacts
	go runSweeper(ctx, deps, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// runSweeper deletes stored files older than the configured maximum age.
func runSweeper(ctx context.Context, deps *bootstrap.Dependencies, cfg *config.Config, logger *slog.Logger) {
	if deps.Sweeper == nil || cfg.SweepMaxAgeHours <= 0 {
		return
	}
	maxAge := time.Duration(cfg.SweepMaxAgeHours) * time.Hour

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		removed, err := deps.Sweeper.Sweep(ctx, maxAge)
		if err != nil {
			logger.Warn("storage sweep failed", slog.String("error", err.Error()))
			continue
		}
		if removed > 0 {
			logger.Info("storage sweep removed files", slog.Int("removed", removed))
		}
	}
}
