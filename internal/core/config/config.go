package config

import (
	"time"

	redisclient "github.com/vietddude/importer/internal/infra/redis"
	"github.com/vietddude/importer/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Retry    RetryConfig        `yaml:"retry"`
	Recovery RecoveryConfig     `yaml:"recovery"`
	Cleanup  CleanupConfig      `yaml:"cleanup"`
	Queue    QueueConfig        `yaml:"queue"`
	Handlers HandlersConfig     `yaml:"handlers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetryConfig is the per-item backoff policy.
type RetryConfig struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Delays      []time.Duration `yaml:"delays"`
	MaxDelay    time.Duration   `yaml:"max_delay"`
}

// RecoveryConfig tunes the batch orchestrator.
type RecoveryConfig struct {
	LockTTL         time.Duration `yaml:"lock_ttl"`
	StrictStatus    bool          `yaml:"strict_status"`
	OnMissingCursor string        `yaml:"on_missing_cursor"` // restart, abort
}

// CleanupConfig controls the periodic state cleanup.
type CleanupConfig struct {
	Schedule   string `yaml:"schedule"` // cron spec, "" disables
	MaxAgeDays int    `yaml:"max_age_days"`
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
}

// HandlersConfig configures the built-in item handlers.
type HandlersConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the webhook item handler.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}
