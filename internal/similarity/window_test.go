package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPriceWindowValidation(t *testing.T) {
	tests := []struct {
		name    string
		closes  []float64
		wantErr bool
	}{
		{name: "valid window", closes: []float64{100, 101, 102}, wantErr: false},
		{name: "too short", closes: []float64{100}, wantErr: true},
		{name: "zero price", closes: []float64{100, 0, 102}, wantErr: true},
		{name: "negative price", closes: []float64{100, -5, 102}, wantErr: true},
		{name: "NaN price", closes: []float64{100, math.NaN(), 102}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPriceWindow(tt.closes)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPriceWindowImmutability(t *testing.T) {
	closes := []float64{100, 101, 102}
	window, err := NewPriceWindow(closes)
	require.NoError(t, err)

	closes[1] = 500
	assert.Equal(t, 101.0, window.Close(1), "window must copy its input")
}

func TestLogReturns(t *testing.T) {
	window, err := NewPriceWindow([]float64{100, 110, 99})
	require.NoError(t, err)

	returns := window.LogReturns()
	require.Len(t, returns, 2)
	assert.InDelta(t, math.Log(1.10), returns[0], 1e-12)
	assert.InDelta(t, math.Log(0.90), returns[1], 1e-12)
}

func TestTrailingReturn(t *testing.T) {
	window, err := NewPriceWindow([]float64{100, 105, 110, 120})
	require.NoError(t, err)

	assert.InDelta(t, 0.20, window.TrailingReturn(3), 1e-12)
	assert.InDelta(t, 120.0/110.0-1, window.TrailingReturn(1), 1e-12)
	assert.InDelta(t, 0.20, window.TrailingReturn(50), 1e-12, "longer than window uses full span")
	assert.Equal(t, 0.0, window.TrailingReturn(0))
}

func TestPriceSeriesWindowAndForwardReturn(t *testing.T) {
	series, err := NewPriceSeries([]float64{100, 102, 101, 104, 108, 110}, nil)
	require.NoError(t, err)

	window, err := series.Window(1, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, window.Len())
	assert.Equal(t, 102.0, window.Close(0))

	ret, ok := series.ForwardReturn(3, 2)
	require.True(t, ok)
	assert.InDelta(t, 110.0/104.0-1, ret, 1e-12)

	_, ok = series.ForwardReturn(4, 5)
	assert.False(t, ok, "horizon past series end must report incompleteness")

	_, err = series.Window(4, 10)
	assert.Error(t, err, "out-of-bounds window must be rejected")
}
