package similarity

import (
	"math"
)

// RepresentationKind identifies one derived view of a price window.
type RepresentationKind int

const (
	RepReturns RepresentationKind = iota // log returns
	RepVolShape                          // rolling stdev of returns
	RepDrawdown                          // running drawdown of the equity curve
	RepMomoSlope                         // rolling linear slope of cumulative returns
)

// allKinds fixes the iteration order so ensemble math stays deterministic.
var allKinds = []RepresentationKind{RepReturns, RepVolShape, RepDrawdown, RepMomoSlope}

// String returns the short kind label used in diagnostics and logs.
func (k RepresentationKind) String() string {
	switch k {
	case RepReturns:
		return "ret"
	case RepVolShape:
		return "vol"
	case RepDrawdown:
		return "dd"
	case RepMomoSlope:
		return "momo"
	default:
		return "unknown"
	}
}

// RepresentationVector is one normalized view of a window. Vectors are
// created by the engine for the lifetime of one comparison and never
// mutated afterwards.
type RepresentationVector struct {
	Kind   RepresentationKind
	Values []float64
}

// minPeriodsFor returns the minimum number of return periods a window must
// cover before the representation produces a usable vector.
func minPeriodsFor(kind RepresentationKind, cfg *Config) int {
	switch kind {
	case RepReturns:
		return 2
	case RepVolShape:
		return cfg.VolLookback + 1
	case RepDrawdown:
		return 2
	case RepMomoSlope:
		return cfg.MomoLookback + 1
	default:
		return math.MaxInt32
	}
}

// buildVector derives the raw representation series for a window. A nil
// return means the window is too short for the kind: the representation
// degrades to a null contribution rather than failing the comparison.
func buildVector(kind RepresentationKind, w *PriceWindow, cfg *Config) []float64 {
	if w.Periods() < minPeriodsFor(kind, cfg) {
		return nil
	}

	switch kind {
	case RepReturns:
		return w.LogReturns()
	case RepVolShape:
		return rollingStdev(w.LogReturns(), cfg.VolLookback)
	case RepDrawdown:
		return runningDrawdown(w.CumulativeReturns())
	case RepMomoSlope:
		return rollingSlope(w.CumulativeReturns(), cfg.MomoLookback)
	default:
		return nil
	}
}

// rollingStdev computes the population stdev of values over a trailing
// lookback, one point per index from lookback-1 onward.
func rollingStdev(values []float64, lookback int) []float64 {
	if lookback < 2 || len(values) < lookback {
		return nil
	}
	out := make([]float64, 0, len(values)-lookback+1)
	for i := lookback - 1; i < len(values); i++ {
		window := values[i-lookback+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(len(window))
		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		variance /= float64(len(window))
		out = append(out, math.Sqrt(variance))
	}
	return out
}

// runningDrawdown computes equity[i] − max(equity[0..i]), always ≤ 0.
func runningDrawdown(equity []float64) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, v := range equity {
		if v > peak {
			peak = v
		}
		out[i] = v - peak
	}
	return out
}

// rollingSlope computes the least-squares slope of values over a trailing
// lookback window, one point per index from lookback-1 onward.
func rollingSlope(values []float64, lookback int) []float64 {
	if lookback < 2 || len(values) < lookback {
		return nil
	}
	// x = 0..lookback-1 is fixed, so sums over x precompute once.
	n := float64(lookback)
	sumX := n * (n - 1) / 2
	sumXX := (n - 1) * n * (2*n - 1) / 6
	denom := n*sumXX - sumX*sumX

	out := make([]float64, 0, len(values)-lookback+1)
	for i := lookback - 1; i < len(values); i++ {
		window := values[i-lookback+1 : i+1]
		sumY, sumXY := 0.0, 0.0
		for j, y := range window {
			sumY += y
			sumXY += float64(j) * y
		}
		out = append(out, (n*sumXY-sumX*sumY)/denom)
	}
	return out
}

// zScore standardizes values in place of a copy. A zero-variance input
// returns a zero vector so degenerate windows stay numerically defined.
func zScore(values []float64) []float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	std := math.Sqrt(variance)

	out := make([]float64, len(values))
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// l2Normalize scales values to unit L2 norm. A zero-norm input returns the
// zero vector unchanged.
func l2Normalize(values []float64) []float64 {
	norm := 0.0
	for _, v := range values {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float64, len(values))
	if norm == 0 {
		return out
	}
	for i, v := range values {
		out[i] = v / norm
	}
	return out
}

// Cosine computes the cosine similarity of two equal-length vectors. Either
// vector having zero norm yields 0, never NaN. Length mismatches compare
// the overlapping tail, which keeps same-kind vectors from slightly
// different window lengths comparable.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) != len(b) {
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		a = a[len(a)-n:]
		b = b[len(b)-n:]
	}

	dot, normA, normB := 0.0, 0.0, 0.0
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
