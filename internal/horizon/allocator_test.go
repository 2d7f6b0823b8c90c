package horizon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleWeightsSumToOne(t *testing.T) {
	allocator := NewAllocator(nil)

	tests := []struct {
		name   string
		scores []Score
	}{
		{
			name: "balanced four horizons",
			scores: []Score{
				{Horizon: 7, RawScore: 0.5, Weight: 0.25},
				{Horizon: 14, RawScore: -0.3, Weight: 0.25},
				{Horizon: 30, RawScore: 0.8, Weight: 0.25},
				{Horizon: 60, RawScore: 0.1, Weight: 0.25},
			},
		},
		{
			name: "one dominant horizon forces capping",
			scores: []Score{
				{Horizon: 7, RawScore: 1.0, Weight: 0.70},
				{Horizon: 14, RawScore: 0.1, Weight: 0.10},
				{Horizon: 30, RawScore: 0.1, Weight: 0.10},
				{Horizon: 60, RawScore: 0.1, Weight: 0.10},
			},
		},
		{
			name: "two horizons",
			scores: []Score{
				{Horizon: 7, RawScore: 0.9, Weight: 0.5},
				{Horizon: 30, RawScore: -0.9, Weight: 0.5},
			},
		},
		{
			name: "single horizon renormalizes back to one",
			scores: []Score{
				{Horizon: 14, RawScore: 0.4, Weight: 1.0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := allocator.Assemble(tt.scores)
			require.NoError(t, err)

			sum := 0.0
			for _, w := range result.Weights {
				assert.GreaterOrEqual(t, w, 0.0)
				sum += w
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "redistributed weights must sum to 1")
			assert.False(t, math.IsNaN(result.AssembledScore))
		})
	}
}

func TestAssembleCapsAndRedistributes(t *testing.T) {
	allocator := NewAllocator(nil)

	scores := []Score{
		{Horizon: 7, RawScore: 1.0, Weight: 0.70},
		{Horizon: 14, RawScore: 0.2, Weight: 0.10},
		{Horizon: 30, RawScore: 0.2, Weight: 0.10},
		{Horizon: 60, RawScore: 0.2, Weight: 0.10},
	}

	result, err := allocator.Assemble(scores)
	require.NoError(t, err)

	assert.Equal(t, 7, result.DominantHorizon)
	assert.Greater(t, result.DominancePct, 90.0, "pre-cap dominance is diagnostic output")
	assert.Contains(t, result.CappedHorizons, 7)
	assert.Greater(t, result.RedistributedExcess, 0.0)

	// Contributions: 7d 0.921, others 0.026 each. The 7d cap is 0.40; the
	// 0.521 excess spreads evenly over three equal receivers.
	assert.InDelta(t, 0.40, result.Weights[7], 1e-9, "capped horizon holds exactly its cap")
	assert.InDelta(t, 0.20, result.Weights[14], 1e-9)
	assert.InDelta(t, 0.20, result.Weights[30], 1e-9)
	assert.InDelta(t, 0.20, result.Weights[60], 1e-9)
}

func TestAssembleRedistributionDisabled(t *testing.T) {
	config := DefaultBudgetConfig()
	config.RedistributeExcess = false
	allocator := NewAllocator(config)

	scores := []Score{
		{Horizon: 7, RawScore: 1.0, Weight: 0.80},
		{Horizon: 14, RawScore: 0.2, Weight: 0.20},
	}

	result, err := allocator.Assemble(scores)
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.RedistributedExcess)
	sum := 0.0
	for _, w := range result.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "weights renormalize even without redistribution")
}

func TestAssembleAllZeroScoresIsNeutral(t *testing.T) {
	allocator := NewAllocator(nil)

	result, err := allocator.Assemble([]Score{
		{Horizon: 7, RawScore: 0, Weight: 0.5},
		{Horizon: 14, RawScore: 0, Weight: 0.5},
	})
	require.NoError(t, err)

	assert.Equal(t, Neutral, result.Direction)
	assert.Equal(t, 0.0, result.AssembledScore)
	assert.False(t, math.IsNaN(result.AssembledScore), "all-zero input must never produce NaN")
	assert.NotEmpty(t, result.Warnings)
}

func TestAssembleZeroWeightsIsNeutral(t *testing.T) {
	allocator := NewAllocator(nil)

	result, err := allocator.Assemble([]Score{
		{Horizon: 7, RawScore: 0.9, Weight: 0},
		{Horizon: 14, RawScore: -0.9, Weight: 0},
	})
	require.NoError(t, err)

	assert.Equal(t, Neutral, result.Direction)
	assert.Equal(t, 0.0, result.AssembledScore)
}

func TestAssembleDirectionDeadband(t *testing.T) {
	allocator := NewAllocator(nil)

	tests := []struct {
		name     string
		score    float64
		expected Direction
	}{
		{name: "clear long", score: 0.5, expected: Long},
		{name: "clear short", score: -0.5, expected: Short},
		{name: "inside positive deadband", score: 0.015, expected: Neutral},
		{name: "inside negative deadband", score: -0.015, expected: Neutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := allocator.Assemble([]Score{
				{Horizon: 7, RawScore: tt.score, Weight: 1.0},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.Direction,
				"score %.3f with ±0.02 deadband", tt.score)
		})
	}
}

func TestAssembleInputValidation(t *testing.T) {
	allocator := NewAllocator(nil)

	tests := []struct {
		name   string
		scores []Score
	}{
		{name: "empty input", scores: nil},
		{name: "non-positive horizon", scores: []Score{{Horizon: 0, RawScore: 0.5, Weight: 1}}},
		{name: "duplicate horizon", scores: []Score{
			{Horizon: 7, RawScore: 0.5, Weight: 0.5},
			{Horizon: 7, RawScore: 0.2, Weight: 0.5},
		}},
		{name: "negative weight", scores: []Score{{Horizon: 7, RawScore: 0.5, Weight: -1}}},
		{name: "NaN score", scores: []Score{{Horizon: 7, RawScore: math.NaN(), Weight: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := allocator.Assemble(tt.scores)
			assert.Error(t, err)
		})
	}
}

func TestAssembleUnnormalizedWeightsWarn(t *testing.T) {
	allocator := NewAllocator(nil)

	result, err := allocator.Assemble([]Score{
		{Horizon: 7, RawScore: 0.4, Weight: 2.0},
		{Horizon: 14, RawScore: 0.4, Weight: 2.0},
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Warnings, "weights not summing to 1 are renormalized with a warning")
	sum := 0.0
	for _, w := range result.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "LONG", Long.String())
	assert.Equal(t, "SHORT", Short.String())
	assert.Equal(t, "NEUTRAL", Neutral.String())
	assert.Equal(t, "UNKNOWN", Direction(9).String())
}

func TestBudgetConfigValidate(t *testing.T) {
	config := DefaultBudgetConfig()
	assert.Empty(t, config.Validate())

	config.MaxDominance = 1.5
	config.NeutralDeadband = -0.1
	config.Caps[7] = 0
	problems := config.Validate()
	assert.Len(t, problems, 3)
}
