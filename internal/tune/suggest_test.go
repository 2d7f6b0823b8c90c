package tune

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestRaisesThresholdOverNoisyHistory(t *testing.T) {
	replayer, err := NewReplayer(settledFolds(5), liveParams(), nil)
	require.NoError(t, err)
	tuner := NewTuner(replayer, Objective{})

	suggestion, err := tuner.Suggest(context.Background())
	require.NoError(t, err)

	require.Contains(t, suggestion.Deltas, ParamEnterThreshold)
	assert.Greater(t, suggestion.Deltas[ParamEnterThreshold], 0.0, "noise below the confident calls must push the threshold up")
	assert.NotContains(t, suggestion.Deltas, ParamMinMatches, "uniform match counts give min_matches nothing to separate")

	assert.InDelta(t, 1.0, suggestion.HitRate, 1e-9, "the surviving selection holds only correct calls")
	assert.InDelta(t, 1.0, suggestion.RankCorrelation, 1e-9)
	assert.Equal(t, 10, suggestion.SampleSize)
	assert.Greater(t, suggestion.Score, suggestion.BaselineScore)
}

func TestSuggestedDeltasClearSimulation(t *testing.T) {
	replayer, err := NewReplayer(settledFolds(5), liveParams(), nil)
	require.NoError(t, err)
	tuner := NewTuner(replayer, Objective{})

	suggestion, err := tuner.Suggest(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, suggestion.Deltas)

	result, err := replayer.Simulate(context.Background(), "kernel", suggestion.Deltas)
	require.NoError(t, err, "the tuner must never suggest deltas its own replayer rejects")
	assert.GreaterOrEqual(t, result.CVAccuracy, result.BaselineAccuracy)
}

func TestSuggestKeepsAlreadyOptimalParameters(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var history []Outcome
	for i := 0; i < 5; i++ {
		history = append(history,
			Outcome{Symbol: "BTC-USD", Direction: "LONG", Confidence: 0.5, Matches: 10, ForwardReturn: 0.04, EvaluatedAt: base.AddDate(0, 0, i*2)},
			Outcome{Symbol: "BTC-USD", Direction: "LONG", Confidence: 0.6, Matches: 10, ForwardReturn: 0.06, EvaluatedAt: base.AddDate(0, 0, i*2+1)},
		)
	}
	replayer, err := NewReplayer(history, liveParams(), nil)
	require.NoError(t, err)
	tuner := NewTuner(replayer, Objective{})

	suggestion, err := tuner.Suggest(context.Background())
	require.NoError(t, err)

	assert.Empty(t, suggestion.Deltas, "an all-correct selection leaves nothing to improve")
	assert.InDelta(t, suggestion.BaselineScore, suggestion.Score, 1e-9)
	assert.Equal(t, 10, suggestion.SampleSize)
}

func TestSuggestHonorsContextCancellation(t *testing.T) {
	replayer, err := NewReplayer(settledFolds(3), liveParams(), nil)
	require.NoError(t, err)
	tuner := NewTuner(replayer, Objective{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tuner.Suggest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpearman(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		y    []float64
		want float64
	}{
		{name: "perfect agreement", x: []float64{1, 2, 3, 4}, y: []float64{10, 20, 30, 40}, want: 1.0},
		{name: "perfect inversion", x: []float64{1, 2, 3, 4}, y: []float64{40, 30, 20, 10}, want: -1.0},
		{name: "constant side is degenerate", x: []float64{1, 2, 3}, y: []float64{5, 5, 5}, want: 0},
		{name: "aligned ties", x: []float64{1, 2, 2, 3}, y: []float64{10, 20, 20, 30}, want: 1.0},
		{name: "length mismatch", x: []float64{1, 2}, y: []float64{1}, want: 0},
		{name: "too short", x: []float64{1}, y: []float64{1}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, spearman(tt.x, tt.y), 1e-9)
		})
	}
}

func TestRanksAveragesTies(t *testing.T) {
	assert.Equal(t, []float64{2.5, 1, 2.5}, ranks([]float64{3, 1, 3}))
	assert.Equal(t, []float64{1, 2, 3}, ranks([]float64{-2, 0, 7}))
}

func TestGridRoundsCountParameters(t *testing.T) {
	replayer, err := NewReplayer(settledFolds(2), liveParams(), nil)
	require.NoError(t, err)
	tuner := NewTuner(replayer, Objective{})

	for _, v := range tuner.gridFor(ParamMinMatches) {
		assert.Equal(t, v, float64(int(v)), "whole-number bounds mark a count, candidates must stay integral")
	}
	grid := tuner.gridFor(ParamEnterThreshold)
	assert.InDelta(t, 0.05, grid[0], 1e-12)
	assert.InDelta(t, 0.95, grid[len(grid)-1], 1e-12)
}
