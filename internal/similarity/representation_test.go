package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a        []float64
		b        []float64
		expected float64
	}{
		{
			name:     "identical vectors",
			a:        []float64{1, 2, 3},
			b:        []float64{1, 2, 3},
			expected: 1.0,
		},
		{
			name:     "opposite vectors",
			a:        []float64{1, 2, 3},
			b:        []float64{-1, -2, -3},
			expected: -1.0,
		},
		{
			name:     "orthogonal vectors",
			a:        []float64{1, 0},
			b:        []float64{0, 1},
			expected: 0.0,
		},
		{
			name:     "zero norm yields zero not NaN",
			a:        []float64{0, 0, 0},
			b:        []float64{1, 2, 3},
			expected: 0.0,
		},
		{
			name:     "empty input yields zero",
			a:        []float64{},
			b:        []float64{1},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			assert.False(t, math.IsNaN(got), "cosine must never produce NaN")
			assert.InDelta(t, tt.expected, got, 1e-12)
		})
	}
}

func TestCosineLengthMismatchComparesTail(t *testing.T) {
	// The longer vector's head is dropped so same-kind vectors from
	// slightly different window lengths stay comparable.
	a := []float64{9, 9, 1, 2, 3}
	b := []float64{1, 2, 3}

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-12, "overlapping tails are identical")
}

func TestRunningDrawdown(t *testing.T) {
	equity := []float64{0.0, 0.05, 0.02, 0.08, 0.03}
	dd := runningDrawdown(equity)

	require.Len(t, dd, len(equity))
	assert.Equal(t, 0.0, dd[0], "first point is its own peak")
	assert.InDelta(t, -0.03, dd[2], 1e-12, "drawdown from 0.05 peak")
	assert.Equal(t, 0.0, dd[3], "new peak resets drawdown")
	assert.InDelta(t, -0.05, dd[4], 1e-12, "drawdown from 0.08 peak")
	for i, v := range dd {
		assert.LessOrEqual(t, v, 0.0, "drawdown[%d] must never be positive", i)
	}
}

func TestRollingSlope(t *testing.T) {
	// A perfectly linear series has constant slope everywhere.
	values := []float64{0, 2, 4, 6, 8, 10}
	slopes := rollingSlope(values, 3)

	require.Len(t, slopes, 4)
	for i, s := range slopes {
		assert.InDelta(t, 2.0, s, 1e-9, "slope[%d] of a linear series", i)
	}
}

func TestRollingStdevShortInput(t *testing.T) {
	assert.Nil(t, rollingStdev([]float64{0.01}, 5), "input shorter than lookback degrades to nil")
	assert.Nil(t, rollingSlope([]float64{0.01, 0.02}, 5), "input shorter than lookback degrades to nil")
}

func TestZScoreDegenerateInput(t *testing.T) {
	out := zScore([]float64{3, 3, 3, 3})

	require.Len(t, out, 4)
	for i, v := range out {
		assert.False(t, math.IsNaN(v), "z-score of constant input must stay defined")
		assert.Equal(t, 0.0, v, "z-score[%d] of zero-variance input", i)
	}
}

func TestL2NormalizeZeroVector(t *testing.T) {
	out := l2Normalize([]float64{0, 0, 0})
	for _, v := range out {
		assert.Equal(t, 0.0, v)
		assert.False(t, math.IsNaN(v))
	}
}

func TestRepresentationKindString(t *testing.T) {
	assert.Equal(t, "ret", RepReturns.String())
	assert.Equal(t, "vol", RepVolShape.String())
	assert.Equal(t, "dd", RepDrawdown.String())
	assert.Equal(t, "momo", RepMomoSlope.String())
	assert.Equal(t, "unknown", RepresentationKind(99).String())
}
