package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/position"
)

// positionRepo implements PositionStore for PostgreSQL. One row per symbol;
// side is stored as its string form so the table reads without a decoder.
type positionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionRepo creates a PostgreSQL position store.
func NewPositionRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionStore {
	return &positionRepo{
		db:      db,
		timeout: timeout,
	}
}

// Save upserts the lifecycle state for a symbol.
func (r *positionRepo) Save(ctx context.Context, state position.State) error {
	if state.Symbol == "" {
		return fmt.Errorf("position symbol is required")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, size, entry_time, entry_price, cooldown_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			side = EXCLUDED.side,
			size = EXCLUDED.size,
			entry_time = EXCLUDED.entry_time,
			entry_price = EXCLUDED.entry_price,
			cooldown_until = EXCLUDED.cooldown_until,
			updated_at = EXCLUDED.updated_at`,
		state.Symbol, state.Side.String(), state.Size,
		nullableTime(state.EntryTime), state.EntryPrice,
		nullableTime(state.CooldownUntil), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert position for %s: %w", state.Symbol, err)
	}
	return nil
}

// Get loads the lifecycle state for a symbol; (nil, nil) when none is stored.
func (r *positionRepo) Get(ctx context.Context, symbol string) (*position.State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT symbol, side, size, entry_time, entry_price, cooldown_until, updated_at
		FROM positions
		WHERE symbol = $1`,
		symbol)

	state, err := scanPosition(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get position for %s: %w", symbol, err)
	}
	return state, nil
}

// List loads every persisted position, used to warm the decision engine.
func (r *positionRepo) List(ctx context.Context) ([]position.State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, side, size, entry_time, entry_price, cooldown_until, updated_at
		FROM positions
		ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var states []position.State
	for rows.Next() {
		state, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		states = append(states, *state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return states, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*position.State, error) {
	var (
		state         position.State
		sideStr       string
		entryTime     sql.NullTime
		cooldownUntil sql.NullTime
	)
	if err := row.Scan(&state.Symbol, &sideStr, &state.Size,
		&entryTime, &state.EntryPrice, &cooldownUntil, &state.UpdatedAt); err != nil {
		return nil, err
	}

	side, err := position.ParseSide(sideStr)
	if err != nil {
		return nil, fmt.Errorf("stored side for %s is invalid: %w", state.Symbol, err)
	}
	state.Side = side
	if entryTime.Valid {
		state.EntryTime = entryTime.Time
	}
	if cooldownUntil.Valid {
		state.CooldownUntil = cooldownUntil.Time
	}
	return &state, nil
}

// nullableTime maps the zero time to SQL NULL so FLAT rows stay clean.
func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
