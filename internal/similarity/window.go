package similarity

import (
	"fmt"
	"math"
	"time"
)

// PriceWindow is one fixed-length slice of a price series: N+1 closes
// covering N periods. Windows are immutable once built and owned by the
// caller for the duration of a single decision cycle.
type PriceWindow struct {
	closes []float64
	highs  []float64
	lows   []float64
	start  time.Time
	end    time.Time
}

// NewPriceWindow builds a window from closes. Highs/lows are optional and
// may be nil; when present they must match the closes length.
func NewPriceWindow(closes []float64) (*PriceWindow, error) {
	if len(closes) < 2 {
		return nil, fmt.Errorf("price window needs at least 2 closes, got %d", len(closes))
	}
	for i, c := range closes {
		if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("price window close[%d]=%v is not a positive finite price", i, c)
		}
	}

	w := &PriceWindow{closes: make([]float64, len(closes))}
	copy(w.closes, closes)
	return w, nil
}

// WithRange attaches the calendar span the window covers.
func (w *PriceWindow) WithRange(start, end time.Time) *PriceWindow {
	w.start = start
	w.end = end
	return w
}

// WithHighLow attaches optional high/low series of the same length.
func (w *PriceWindow) WithHighLow(highs, lows []float64) (*PriceWindow, error) {
	if len(highs) != len(w.closes) || len(lows) != len(w.closes) {
		return nil, fmt.Errorf("high/low length %d/%d does not match closes length %d",
			len(highs), len(lows), len(w.closes))
	}
	w.highs = make([]float64, len(highs))
	w.lows = make([]float64, len(lows))
	copy(w.highs, highs)
	copy(w.lows, lows)
	return w, nil
}

// Len returns the number of closes (N+1).
func (w *PriceWindow) Len() int { return len(w.closes) }

// Periods returns the number of return periods the window covers (N).
func (w *PriceWindow) Periods() int { return len(w.closes) - 1 }

// Close returns the close at index i.
func (w *PriceWindow) Close(i int) float64 { return w.closes[i] }

// LastClose returns the most recent close in the window.
func (w *PriceWindow) LastClose() float64 { return w.closes[len(w.closes)-1] }

// Start and End report the calendar span when attached, zero otherwise.
func (w *PriceWindow) Start() time.Time { return w.start }
func (w *PriceWindow) End() time.Time   { return w.end }

// LogReturns computes r_i = ln(close_i / close_{i-1}) for the N periods.
func (w *PriceWindow) LogReturns() []float64 {
	returns := make([]float64, len(w.closes)-1)
	for i := 1; i < len(w.closes); i++ {
		returns[i-1] = math.Log(w.closes[i] / w.closes[i-1])
	}
	return returns
}

// CumulativeReturns computes the running sum of log returns, the equity
// curve the drawdown and momentum representations are built from.
func (w *PriceWindow) CumulativeReturns() []float64 {
	returns := w.LogReturns()
	cum := make([]float64, len(returns))
	total := 0.0
	for i, r := range returns {
		total += r
		cum[i] = total
	}
	return cum
}

// TrailingReturn computes the simple return over the trailing `periods`
// closes, (last/first − 1). When the window is shorter than requested the
// full window is used instead.
func (w *PriceWindow) TrailingReturn(periods int) float64 {
	if periods < 1 {
		return 0
	}
	first := len(w.closes) - 1 - periods
	if first < 0 {
		first = 0
	}
	return w.closes[len(w.closes)-1]/w.closes[first] - 1
}

// PriceSeries is the full historical series candidate windows are cut from.
// Dates are optional; when nil candidates are identified by index only.
type PriceSeries struct {
	Closes []float64
	Dates  []time.Time
}

// NewPriceSeries validates a historical series.
func NewPriceSeries(closes []float64, dates []time.Time) (*PriceSeries, error) {
	if len(closes) < 2 {
		return nil, fmt.Errorf("price series needs at least 2 closes, got %d", len(closes))
	}
	if dates != nil && len(dates) != len(closes) {
		return nil, fmt.Errorf("dates length %d does not match closes length %d", len(dates), len(closes))
	}
	for i, c := range closes {
		if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("price series close[%d]=%v is not a positive finite price", i, c)
		}
	}
	return &PriceSeries{Closes: closes, Dates: dates}, nil
}

// Len returns the number of closes in the series.
func (s *PriceSeries) Len() int { return len(s.Closes) }

// Window cuts the inclusive index range [start, end] into a PriceWindow,
// attaching dates when the series carries them.
func (s *PriceSeries) Window(start, end int) (*PriceWindow, error) {
	if start < 0 || end >= len(s.Closes) || end-start < 1 {
		return nil, fmt.Errorf("window range [%d,%d] out of series bounds 0..%d", start, end, len(s.Closes)-1)
	}
	w, err := NewPriceWindow(s.Closes[start : end+1])
	if err != nil {
		return nil, err
	}
	if s.Dates != nil {
		w = w.WithRange(s.Dates[start], s.Dates[end])
	}
	return w, nil
}

// ForwardReturn computes the simple return from index `from` over the next
// `horizon` closes. Returns false when the horizon runs past the series end.
func (s *PriceSeries) ForwardReturn(from, horizon int) (float64, bool) {
	to := from + horizon
	if from < 0 || to >= len(s.Closes) {
		return 0, false
	}
	return s.Closes[to]/s.Closes[from] - 1, true
}
