package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyShrinksTowardHalfWhenThin(t *testing.T) {
	engine := NewEngine(nil)

	// No data at all: shrink factor 0.5 pulls halfway toward 0.5.
	assert.InDelta(t, 0.70, engine.Apply("BTC", 14, 0.90), 1e-9)
	assert.InDelta(t, 0.35, engine.Apply("BTC", 14, 0.20), 1e-9)
	assert.InDelta(t, 0.50, engine.Apply("BTC", 14, 0.50), 1e-9)

	// 29 samples is still below the default 30 minimum.
	for i := 0; i < 29; i++ {
		engine.Update("BTC", 14, 0.85, true)
	}
	assert.InDelta(t, 0.70, engine.Apply("BTC", 14, 0.90), 1e-9,
		"one sample short of usable must still shrink")
}

func TestApplyUsesBucketPosteriorWhenUsable(t *testing.T) {
	engine := NewEngine(nil)

	// 40 predictions in the [0.8, 0.9) bucket, 30 correct.
	for i := 0; i < 40; i++ {
		engine.Update("BTC", 14, 0.85, i < 30)
	}

	// Posterior mean with Beta(1,1): (30+1)/(40+2) = 31/42.
	got := engine.Apply("BTC", 14, 0.85)
	assert.InDelta(t, 31.0/42.0, got, 1e-9, "overconfident bucket calibrates down")

	// An untouched bucket falls back to the prior mean 0.5.
	assert.InDelta(t, 0.5, engine.Apply("BTC", 14, 0.15), 1e-9)
}

func TestUpdateBucketBoundaries(t *testing.T) {
	engine := NewEngine(nil)

	engine.Update("ETH", 7, 0.0, true)
	engine.Update("ETH", 7, 0.999, true)
	engine.Update("ETH", 7, 1.0, false)

	snap := engine.GetSnapshot("ETH", 7)
	require.Len(t, snap.Buckets, 10)
	assert.Equal(t, 1, snap.Buckets[0].N, "0.0 lands in the first bucket")
	assert.Equal(t, 2, snap.Buckets[9].N, "1.0 belongs to the last bucket, not one past it")
}

func TestGetSnapshotIdempotent(t *testing.T) {
	engine := NewEngine(nil)
	for i := 0; i < 35; i++ {
		engine.Update("BTC", 30, 0.65, i%3 != 0)
	}

	first := engine.GetSnapshot("BTC", 30)
	second := engine.GetSnapshot("BTC", 30)

	assert.Equal(t, first.Buckets, second.Buckets, "snapshots without updates must be identical")
	assert.Equal(t, first.ECE, second.ECE)
	assert.Equal(t, first.TotalN, second.TotalN)

	// Mutating the copy must not leak back into the engine.
	first.Buckets[6].K = 9999
	third := engine.GetSnapshot("BTC", 30)
	assert.Equal(t, second.Buckets[6].K, third.Buckets[6].K, "snapshot must be a deep copy")
}

func TestECERecomputedAfterEveryUpdate(t *testing.T) {
	engine := NewEngine(nil)

	engine.Update("BTC", 14, 0.95, false)
	afterMiss := engine.GetSnapshot("BTC", 14).ECE

	engine.Update("BTC", 14, 0.95, true)
	afterHit := engine.GetSnapshot("BTC", 14).ECE

	assert.NotEqual(t, afterMiss, afterHit, "ECE must move with every labeled outcome")
	assert.GreaterOrEqual(t, afterMiss, 0.0)
}

func TestECEWellCalibratedIsSmall(t *testing.T) {
	engine := NewEngine(nil)

	// 100 predictions at 0.75 confidence with exactly 75% accuracy. The
	// Beta(1,1) prior nudges the posterior slightly, so near zero not zero.
	for i := 0; i < 100; i++ {
		engine.Update("SPX", 30, 0.75, i%4 != 0)
	}

	snap := engine.GetSnapshot("SPX", 30)
	assert.True(t, snap.IsUsable)
	assert.Less(t, snap.ECE, 0.02, "well-calibrated data keeps ECE near zero")
}

func TestUseEmaFlagIsExplicit(t *testing.T) {
	// Same update stream, flag off vs on: consumption must differ only
	// when the flag says so, regardless of EMA data being maintained.
	plain := NewEngine(nil)

	emaConfig := DefaultConfig()
	emaConfig.UseEma = true
	emaConfig.EmaAlpha = 0.5
	ema := NewEngine(emaConfig)

	feed := func(e *Engine) {
		for i := 0; i < 40; i++ {
			e.Update("BTC", 14, 0.85, i%2 == 0)
		}
		for i := 0; i < 10; i++ {
			e.Update("BTC", 14, 0.85, true) // recent hot streak
		}
	}
	feed(plain)
	feed(ema)

	plainVal := plain.Apply("BTC", 14, 0.85)
	emaVal := ema.Apply("BTC", 14, 0.85)

	assert.NotEqual(t, plainVal, emaVal, "EMA consumption is gated on the flag alone")
	assert.Less(t, emaVal, plainVal, "EMA of the posterior lags a posterior still rising on the streak")
}

func TestCalibrateAppliesFloorLast(t *testing.T) {
	engine := NewEngine(nil)

	// Usable tracker with a hot bucket calibrating near 0.93.
	for i := 0; i < 50; i++ {
		engine.Update("BTC", 14, 0.95, i < 48)
	}

	unfloored := engine.Apply("BTC", 14, 0.95)
	require.Greater(t, unfloored, 0.90)

	// effectiveN 12 meets the 10-rung (max 0.65); smooth ceiling
	// 1−exp(−12/50) ≈ 0.213 is tighter and must win.
	got := engine.Calibrate(0.95, 12, "BTC", 14)
	assert.Less(t, got, 0.25, "floor bounds the final output, not the raw input")
}

func TestRestoreRoundTrip(t *testing.T) {
	engine := NewEngine(nil)
	for i := 0; i < 42; i++ {
		engine.Update("DXY", 7, 0.55, i%2 == 0)
	}
	snap := engine.GetSnapshot("DXY", 7)

	fresh := NewEngine(nil)
	require.NoError(t, fresh.Restore(snap))

	restored := fresh.GetSnapshot("DXY", 7)
	assert.Equal(t, snap.Buckets, restored.Buckets)
	assert.Equal(t, snap.TotalN, restored.TotalN)
	assert.InDelta(t, snap.ECE, restored.ECE, 1e-12, "ECE recomputes to the same value")

	bad := snap
	bad.Buckets = snap.Buckets[:3]
	assert.Error(t, fresh.Restore(bad), "bucket count mismatch must be rejected")
}

func TestKeysSorted(t *testing.T) {
	engine := NewEngine(nil)
	engine.Update("ETH", 30, 0.5, true)
	engine.Update("BTC", 7, 0.5, true)
	engine.Update("BTC", 30, 0.5, true)

	assert.Equal(t, []string{"BTC|30", "BTC|7", "ETH|30"}, engine.Keys())
}

func TestSnapshotUnknownKey(t *testing.T) {
	engine := NewEngine(nil)
	snap := engine.GetSnapshot("NOPE", 99)

	assert.False(t, snap.IsUsable)
	assert.Zero(t, snap.TotalN)
	assert.Empty(t, snap.Buckets)
	assert.Equal(t, time.Time{}, snap.UpdatedAt)
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	assert.Empty(t, config.Validate())

	config.NumBuckets = 1
	config.PriorA = 0
	config.ShrinkFactor = 1.5
	config.FloorN0 = 0
	problems := config.Validate()
	assert.Len(t, problems, 4, "every violation is reported")
}
