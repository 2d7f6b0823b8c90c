package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/persistence/postgres"
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PG_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PG_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PG_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"PG_CONN_MAX_IDLE_TIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"PG_QUERY_TIMEOUT"`
	Enabled         bool          `yaml:"enabled" env:"PG_ENABLED"`
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		Enabled:         false, // requires explicit configuration
	}
}

// Validate reports every configuration violation. A disabled config is
// always valid; the remaining checks only matter once a pool will open.
func (c Config) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var problems []string
	if c.DSN == "" {
		problems = append(problems, "dsn is required when enabled")
	}
	if c.MaxOpenConns < 1 {
		problems = append(problems, fmt.Sprintf("max_open_conns %d must be at least 1", c.MaxOpenConns))
	}
	if c.MaxIdleConns < 0 {
		problems = append(problems, fmt.Sprintf("max_idle_conns %d must be non-negative", c.MaxIdleConns))
	}
	if c.QueryTimeout <= 0 {
		problems = append(problems, "query_timeout must be positive")
	}
	return problems
}

// Manager owns the connection pool and the repository instances built on it.
// When persistence is disabled the Manager still constructs cleanly and
// Stores() returns nil; callers fall back to in-memory stores.
type Manager struct {
	db     *sqlx.DB
	config Config
	stores *persistence.Stores
	health *healthChecker
}

// NewManager opens the pool, verifies connectivity, and wires the stores.
func NewManager(config Config) (*Manager, error) {
	if !config.Enabled {
		return &Manager{
			config: config,
			health: &healthChecker{enabled: false},
		}, nil
	}

	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A fresh database has no live policy yet; install the defaults so the
	// first decision cycle has a document to read.
	if err := postgres.SeedDefaultPolicy(ctx, db, config.QueryTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed default policy: %w", err)
	}

	stores := &persistence.Stores{
		Calibration: postgres.NewCalibrationRepo(db, config.QueryTimeout),
		Positions:   postgres.NewPositionRepo(db, config.QueryTimeout),
		Policies:    postgres.NewPolicyRepo(db, config.QueryTimeout),
	}

	return &Manager{
		db:     db,
		config: config,
		stores: stores,
		health: &healthChecker{
			enabled: true,
			db:      db,
			timeout: config.QueryTimeout,
		},
	}, nil
}

// Stores returns the store collection, or nil if persistence is disabled
func (m *Manager) Stores() *persistence.Stores {
	return m.stores
}

// Health returns the health checker interface
func (m *Manager) Health() persistence.HealthChecker {
	return m.health
}

// DB returns the underlying database connection (for migrations, etc.)
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled returns whether database persistence is enabled
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.HealthChecker
type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current repository health status
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	if !h.enabled {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"database persistence disabled"},
			ConnectionPool: map[string]int{"status": 0},
			LastCheck:      time.Now(),
			ResponseTimeMS: 0,
		}
	}

	start := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errors []string
	healthy := true

	if err := h.db.PingContext(pingCtx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	connectionPool := map[string]int{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    int(stats.WaitCount),
		"wait_duration": int(stats.WaitDuration.Milliseconds()),
	}

	return persistence.HealthCheck{
		Healthy:        healthy,
		Errors:         errors,
		ConnectionPool: connectionPool,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to database
func (h *healthChecker) Ping(ctx context.Context) error {
	if !h.enabled {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.db.PingContext(pingCtx)
}
