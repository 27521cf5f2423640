package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx via database/sql, driver name "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // driver name "postgres"

	"github.com/vietddude/importer/internal/importing/metrics"
)

const (
	defaultMaxConns  = 10
	defaultIdleConns = 2
	statsInterval    = 15 * time.Second
)

// Config holds database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"` // pgx (default), postgres, sqlite
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DriverName returns the database/sql driver to open, defaulting to pgx.
func (c Config) DriverName() string {
	if c.Driver == "" {
		return "pgx"
	}
	return c.Driver
}

// poolLimits returns the open and idle connection limits.
// The state store issues short single-row statements, so a small pool is enough.
func (c Config) poolLimits() (maxOpen, maxIdle int) {
	maxOpen, maxIdle = defaultMaxConns, defaultIdleConns
	if c.MaxConns > 0 {
		maxOpen = c.MaxConns
	}
	if c.MinConns > 0 {
		maxIdle = c.MinConns
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}
	return maxOpen, maxIdle
}

// DB is the batch state database handle.
type DB struct {
	*sqlx.DB
}

// NewDB connects to the state database and verifies the connection.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url is required for driver %s", cfg.DriverName())
	}

	db, err := sqlx.ConnectContext(ctx, cfg.DriverName(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.DriverName(), err)
	}

	maxOpen, maxIdle := cfg.poolLimits()
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	return &DB{DB: db}, nil
}

// StartMetricsCollector reports pool usage until ctx is cancelled.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if usage, ok := poolUsage(db.Stats()); ok {
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// poolUsage is the percentage of open connections out of the limit.
// It is not reported for an unlimited pool.
func poolUsage(stats sql.DBStats) (float64, bool) {
	if stats.MaxOpenConnections <= 0 {
		return 0, false
	}
	return float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100, true
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
