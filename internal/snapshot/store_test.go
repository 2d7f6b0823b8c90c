package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/position"
)

func sampleDecision(symbol string) *kernel.DecisionResult {
	return &kernel.DecisionResult{
		Symbol:               symbol,
		Direction:            "LONG",
		AssembledScore:       0.42,
		RawConfidence:        0.71,
		CalibratedConfidence: 0.66,
		AdjustedConfidence:   0.66,
		ReliabilityBadge:     "OK",
		Transition: position.TransitionResult{
			Action: position.ActionEnter,
			Reason: position.ReasonThresholdCrossed,
			To:     position.State{Side: position.SideLong, Size: 0.5},
		},
		Diagnostics: kernel.Diagnostics{
			RegimeKey:       "BULL",
			MatchCount:      23,
			DominantHorizon: 14,
		},
		EvaluatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	defer store.Close()
	ctx := context.Background()

	decision := sampleDecision("BTC-USD")
	require.NoError(t, store.Put(ctx, decision))

	got, ok := store.Get(ctx, "BTC-USD")
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, "BTC-USD", got.Symbol)
	assert.Equal(t, "LONG", got.Direction)
	assert.InDelta(t, 0.66, got.CalibratedConfidence, 1e-12)
	assert.Equal(t, position.ActionEnter, got.Transition.Action)
	assert.Equal(t, "BULL", got.Diagnostics.RegimeKey)
	assert.Equal(t, 23, got.Diagnostics.MatchCount)
	assert.True(t, got.EvaluatedAt.Equal(decision.EvaluatedAt))

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.TotalSets)
	assert.Equal(t, int64(1), stats.TotalHits)
	assert.Equal(t, int64(0), stats.TotalMisses)
}

func TestMemoryStorePutIsolatesCaller(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	decision := sampleDecision("ETH-USD")
	require.NoError(t, store.Put(ctx, decision))

	// Caller mutations after Put must not leak into the cache.
	decision.Direction = "SHORT"
	decision.Diagnostics.MatchCount = 0

	got, ok := store.Get(ctx, "ETH-USD")
	require.True(t, ok)
	assert.Equal(t, "LONG", got.Direction)
	assert.Equal(t, 23, got.Diagnostics.MatchCount)
}

func TestMemoryStoreMiss(t *testing.T) {
	store := NewMemoryStore(time.Hour)

	got, ok := store.Get(context.Background(), "UNKNOWN")
	assert.False(t, ok)
	assert.Nil(t, got)

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.TotalMisses)
	assert.Equal(t, int64(0), stats.TotalHits)
	assert.Zero(t, stats.HitRate)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Nanosecond)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleDecision("BTC-USD")))
	time.Sleep(time.Millisecond)

	got, ok := store.Get(ctx, "BTC-USD")
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), store.Stats().TotalMisses)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleDecision("BTC-USD")))
	require.NoError(t, store.Delete(ctx, "BTC-USD"))

	_, ok := store.Get(ctx, "BTC-USD")
	assert.False(t, ok)
}

func TestMemoryStorePutValidation(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, nil))
	assert.Error(t, store.Put(ctx, &kernel.DecisionResult{}))
}

func TestMemoryStoreHitRate(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, sampleDecision("BTC-USD")))
	store.Get(ctx, "BTC-USD")
	store.Get(ctx, "MISSING")

	stats := store.Stats()
	assert.InDelta(t, 0.5, stats.HitRate, 1e-12)
	assert.True(t, store.Health(ctx))
}

func TestRedisStoreConstruction(t *testing.T) {
	store := NewRedisStore(DefaultRedisConfig())
	require.NotNil(t, store)
	defer store.Close()

	stats := store.Stats()
	assert.True(t, stats.Connected)
	assert.Zero(t, stats.TotalHits)
	assert.Equal(t, "forecastrun:decision:BTC-USD", snapshotKey("BTC-USD"))
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 48*time.Hour, cfg.TTL)
	assert.False(t, cfg.Enabled)
}
