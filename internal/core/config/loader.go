package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file backing it.
func Default() *AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	return &cfg
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if len(c.Retry.Delays) == 0 {
		c.Retry.Delays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Recovery.LockTTL == 0 {
		c.Recovery.LockTTL = 5 * time.Minute
	}
	if c.Recovery.OnMissingCursor == "" {
		c.Recovery.OnMissingCursor = "restart"
	}
	if c.Cleanup.MaxAgeDays == 0 {
		c.Cleanup.MaxAgeDays = 7
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "imports"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 4
	}
	if c.Handlers.Webhook.Timeout == 0 {
		c.Handlers.Webhook.Timeout = 30 * time.Second
	}
}

func (c *AppConfig) validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	switch c.Recovery.OnMissingCursor {
	case "restart", "abort":
	default:
		return fmt.Errorf("recovery.on_missing_cursor must be restart or abort, got %q", c.Recovery.OnMissingCursor)
	}
	switch c.Database.Driver {
	case "", "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be pgx, postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Cleanup.MaxAgeDays < 1 {
		return fmt.Errorf("cleanup.max_age_days must be >= 1, got %d", c.Cleanup.MaxAgeDays)
	}
	if c.Cleanup.Schedule != "" {
		if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
			return fmt.Errorf("cleanup.schedule is not a valid cron expression: %w", err)
		}
	}
	return nil
}
