package persistence

import (
	"context"
	"time"

	"github.com/sawpanic/forecastrun/internal/calibration"
	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/position"
)

// CalibrationStore persists per-(symbol, horizon) calibration trackers.
type CalibrationStore interface {
	// SaveSnapshot upserts one tracker snapshot keyed by (symbol, horizon)
	SaveSnapshot(ctx context.Context, snap calibration.Snapshot) error

	// GetSnapshot loads one tracker; (nil, nil) when none is stored
	GetSnapshot(ctx context.Context, symbol string, horizonDays int) (*calibration.Snapshot, error)

	// ListSnapshots loads all persisted trackers, used to warm the engine
	ListSnapshots(ctx context.Context) ([]calibration.Snapshot, error)
}

// PositionStore persists the single mutable position record per symbol.
type PositionStore interface {
	// Save upserts the position state for its symbol
	Save(ctx context.Context, state position.State) error

	// Get loads one symbol's position; (nil, nil) when the symbol is unknown
	Get(ctx context.Context, symbol string) (*position.State, error)

	// List loads every persisted position
	List(ctx context.Context) ([]position.State, error)
}

// PolicyStore is the governance hash-chain store. The interface is owned by
// the governance package (its consumer); the alias lets wiring code treat
// all stores uniformly.
type PolicyStore = governance.Store

// Stores aggregates the persistence surfaces the pipeline wires together.
type Stores struct {
	Calibration CalibrationStore
	Positions   PositionStore
	Policies    PolicyStore
}

// HealthCheck reports storage backend health.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool,omitempty"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// HealthChecker is implemented by backends that can report liveness.
type HealthChecker interface {
	// Ping tests basic connectivity to the backend
	Ping(ctx context.Context) error

	// Health returns the current backend health status
	Health(ctx context.Context) HealthCheck
}
