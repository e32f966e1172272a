// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrBackendBaseURLRequired is returned when BACKEND_BASE_URL is not set.
	ErrBackendBaseURLRequired = errors.New("config: BACKEND_BASE_URL is required")
	// ErrBackendAPIKeyRequired is returned when BACKEND_API_KEY is not set.
	ErrBackendAPIKeyRequired = errors.New("config: BACKEND_API_KEY is required")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Processing backend settings
	BackendBaseURL string `env:"BACKEND_BASE_URL, required" json:"backend_base_url"`
	BackendAPIKey  string `env:"BACKEND_API_KEY, required" json:"-"` // Masked in JSON

	// APIKeyPrefix is the prefix accepted on incoming bearer tokens.
	APIKeyPrefix string `env:"API_KEY_PREFIX, default=waveq_" json:"api_key_prefix"`
	// APIKeys is the comma-separated list of accepted bearer tokens.
	// When empty, inbound authentication is disabled.
	APIKeys []string `env:"API_KEYS" json:"-"` // Masked in JSON

	// Storage settings
	DataDir        string `env:"DATA_DIR, default=/tmp/waveq" json:"data_dir"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES, default=104857600" json:"max_upload_bytes"`

	// Processing settings
	PollIntervalMs   int `env:"POLL_INTERVAL_MS, default=2000" json:"poll_interval_ms"`
	SweepMaxAgeHours int `env:"SWEEP_MAX_AGE_HOURS, default=24" json:"sweep_max_age_hours"`

	// Optional S3 settings for durable artifact delivery
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "BACKEND_BASE_URL") {
			return nil, ErrBackendBaseURLRequired
		}
		if strings.Contains(err.Error(), "BACKEND_API_KEY") {
			return nil, ErrBackendAPIKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.BackendBaseURL == "" {
		return ErrBackendBaseURLRequired
	}
	if c.BackendAPIKey == "" {
		return ErrBackendAPIKeyRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, BackendBaseURL: %s, DataDir: %s, MaxUploadBytes: %d, PollIntervalMs: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.BackendBaseURL,
		c.DataDir,
		c.MaxUploadBytes,
		c.PollIntervalMs,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
