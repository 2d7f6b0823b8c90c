package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/forecastrun/internal/calibration"
	"github.com/sawpanic/forecastrun/internal/persistence"
)

// calibrationRepo implements CalibrationStore for PostgreSQL. Buckets are
// one row each, keyed (symbol, horizon_days, bucket_index); the tracker
// summary row carries the totals the engine needs back verbatim.
type calibrationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCalibrationRepo creates a PostgreSQL calibration store.
func NewCalibrationRepo(db *sqlx.DB, timeout time.Duration) persistence.CalibrationStore {
	return &calibrationRepo{
		db:      db,
		timeout: timeout,
	}
}

// SaveSnapshot replaces the persisted tracker for (symbol, horizon) in one
// transaction: the summary upsert and the bucket rewrite land together.
func (r *calibrationRepo) SaveSnapshot(ctx context.Context, snap calibration.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_trackers (symbol, horizon_days, total_n, ece, is_usable, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol, horizon_days) DO UPDATE SET
			total_n = EXCLUDED.total_n,
			ece = EXCLUDED.ece,
			is_usable = EXCLUDED.is_usable,
			updated_at = EXCLUDED.updated_at`,
		snap.Symbol, snap.HorizonDays, snap.TotalN, snap.ECE, snap.IsUsable, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert calibration tracker: %w", err)
	}

	// Rewrite the bucket rows: delete-then-insert keeps the row set exact
	// even when the bucket count changes between configs.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM calibration_buckets
		WHERE symbol = $1 AND horizon_days = $2`,
		snap.Symbol, snap.HorizonDays)
	if err != nil {
		return fmt.Errorf("failed to clear calibration buckets: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO calibration_buckets (symbol, horizon_days, bucket_index, lo, hi, n, k, ema)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare bucket insert: %w", err)
	}
	defer stmt.Close()

	for i, bucket := range snap.Buckets {
		_, err = stmt.ExecContext(ctx,
			snap.Symbol, snap.HorizonDays, i,
			bucket.Lo, bucket.Hi, bucket.N, bucket.K, bucket.Ema)
		if err != nil {
			return fmt.Errorf("failed to insert calibration bucket %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetSnapshot loads one tracker; (nil, nil) when none is stored.
func (r *calibrationRepo) GetSnapshot(ctx context.Context, symbol string, horizonDays int) (*calibration.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap := calibration.Snapshot{Symbol: symbol, HorizonDays: horizonDays}
	err := r.db.QueryRowxContext(ctx, `
		SELECT total_n, ece, is_usable, updated_at
		FROM calibration_trackers
		WHERE symbol = $1 AND horizon_days = $2`,
		symbol, horizonDays).
		Scan(&snap.TotalN, &snap.ECE, &snap.IsUsable, &snap.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get calibration tracker: %w", err)
	}

	buckets, err := r.loadBuckets(ctx, symbol, horizonDays)
	if err != nil {
		return nil, err
	}
	snap.Buckets = buckets
	return &snap, nil
}

// ListSnapshots loads every persisted tracker, used to warm the engine.
func (r *calibrationRepo) ListSnapshots(ctx context.Context) ([]calibration.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT symbol, horizon_days, total_n, ece, is_usable, updated_at
		FROM calibration_trackers
		ORDER BY symbol, horizon_days`)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration trackers: %w", err)
	}
	defer rows.Close()

	var snaps []calibration.Snapshot
	for rows.Next() {
		var snap calibration.Snapshot
		if err := rows.Scan(&snap.Symbol, &snap.HorizonDays, &snap.TotalN,
			&snap.ECE, &snap.IsUsable, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration tracker: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trackers: %w", err)
	}

	for i := range snaps {
		buckets, err := r.loadBuckets(ctx, snaps[i].Symbol, snaps[i].HorizonDays)
		if err != nil {
			return nil, err
		}
		snaps[i].Buckets = buckets
	}
	return snaps, nil
}

func (r *calibrationRepo) loadBuckets(ctx context.Context, symbol string, horizonDays int) ([]calibration.Bucket, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT lo, hi, n, k, ema
		FROM calibration_buckets
		WHERE symbol = $1 AND horizon_days = $2
		ORDER BY bucket_index`,
		symbol, horizonDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration buckets: %w", err)
	}
	defer rows.Close()

	var buckets []calibration.Bucket
	for rows.Next() {
		var bucket calibration.Bucket
		if err := rows.Scan(&bucket.Lo, &bucket.Hi, &bucket.N, &bucket.K, &bucket.Ema); err != nil {
			return nil, fmt.Errorf("failed to scan calibration bucket: %w", err)
		}
		buckets = append(buckets, bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating buckets: %w", err)
	}
	return buckets, nil
}
