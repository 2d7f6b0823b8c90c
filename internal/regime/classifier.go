package regime

import (
	"fmt"
	"math"

	"github.com/sawpanic/forecastrun/internal/similarity"
)

// Config holds the classification thresholds and feature lookbacks.
type Config struct {
	CrashLookback   int     `yaml:"crash_lookback"`   // trailing periods for crash check
	CrashThreshold  float64 `yaml:"crash_threshold"`  // trailing return at or below triggers CRASH
	BubbleLookback  int     `yaml:"bubble_lookback"`  // trailing periods for bubble check
	BubbleThreshold float64 `yaml:"bubble_threshold"` // trailing return at or above triggers BUBBLE

	TrendLookback int     `yaml:"trend_lookback"` // trailing periods for trend strength
	TrendScale    float64 `yaml:"trend_scale"`    // return magnitude mapping to strong trend
	BullTrendMin  float64 `yaml:"bull_trend_min"` // trend at or above classifies BULL
	BearTrendMax  float64 `yaml:"bear_trend_max"` // trend at or below classifies BEAR

	VolLookback        int `yaml:"vol_lookback"`        // trailing periods for realized volatility
	StructuralLookback int `yaml:"structural_lookback"` // SMA span for the structural bull flag
	PeriodsPerYear     int `yaml:"periods_per_year"`    // annualization basis

	// Candidate filtering: exact-regime matches below MinSameRegime expand
	// to the compatibility table. MinSameRegime defaults to
	// SameRegimeMultiple × MinMatches.
	MinMatches         int `yaml:"min_matches"`
	SameRegimeMultiple int `yaml:"same_regime_multiple"`
}

// DefaultConfig returns the production classification thresholds.
func DefaultConfig() *Config {
	return &Config{
		CrashLookback:      30,
		CrashThreshold:     -0.30, // −30% over ~30 periods
		BubbleLookback:     60,
		BubbleThreshold:    1.00, // +100% over ~60 periods
		TrendLookback:      40,
		TrendScale:         0.20, // 20% trailing move saturates trend strength
		BullTrendMin:       0.25,
		BearTrendMax:       -0.25,
		VolLookback:        20,
		StructuralLookback: 200,
		PeriodsPerYear:     252,
		MinMatches:         5,
		SameRegimeMultiple: 3,
	}
}

// Validate reports every configuration violation.
func (c *Config) Validate() []string {
	var problems []string
	if c.CrashLookback < 2 {
		problems = append(problems, fmt.Sprintf("crash_lookback %d below minimum 2", c.CrashLookback))
	}
	if c.CrashThreshold >= 0 {
		problems = append(problems, "crash_threshold must be negative")
	}
	if c.BubbleLookback < 2 {
		problems = append(problems, fmt.Sprintf("bubble_lookback %d below minimum 2", c.BubbleLookback))
	}
	if c.BubbleThreshold <= 0 {
		problems = append(problems, "bubble_threshold must be positive")
	}
	if c.BullTrendMin <= 0 || c.BullTrendMin > 1 {
		problems = append(problems, "bull_trend_min must be in (0, 1]")
	}
	if c.BearTrendMax >= 0 || c.BearTrendMax < -1 {
		problems = append(problems, "bear_trend_max must be in [-1, 0)")
	}
	if c.TrendScale <= 0 {
		problems = append(problems, "trend_scale must be positive")
	}
	if c.MinMatches < 1 {
		problems = append(problems, "min_matches must be at least 1")
	}
	if c.SameRegimeMultiple < 1 {
		problems = append(problems, "same_regime_multiple must be at least 1")
	}
	return problems
}

// minSameRegime is the tier-1 count below which filtering falls back to the
// compatibility table.
func (c *Config) minSameRegime() int {
	return c.SameRegimeMultiple * c.MinMatches
}

// Classifier labels windows with market regimes and filters match
// candidates to regime-compatible history. Pure per call: no mutable state,
// safe for unsynchronized concurrent use.
type Classifier struct {
	config *Config
}

// NewClassifier creates a regime classifier. A nil config uses defaults.
func NewClassifier(config *Config) *Classifier {
	if config == nil {
		config = DefaultConfig()
	}
	return &Classifier{config: config}
}

// Classify applies the strict priority order to a feature tuple.
func (c *Classifier) Classify(f Features) Regime {
	switch {
	case f.Crash:
		return Crash
	case f.Bubble:
		return Bubble
	case f.Trend >= c.config.BullTrendMin || f.StructuralBull:
		return Bull
	case f.Trend <= c.config.BearTrendMax:
		return Bear
	default:
		return Side
	}
}

// ExtractFeatures derives the classification tuple from a price window.
// Windows shorter than a feature's lookback degrade that feature to its
// neutral value (zero trend, false flags) rather than failing.
func (c *Classifier) ExtractFeatures(w *similarity.PriceWindow) Features {
	f := Features{}
	periods := w.Periods()

	f.Trend = math.Tanh(w.TrailingReturn(c.config.TrendLookback) / c.config.TrendScale)
	f.Volatility = c.realizedVol(w)

	if periods >= c.config.CrashLookback {
		f.Crash = w.TrailingReturn(c.config.CrashLookback) <= c.config.CrashThreshold
	}
	if periods >= c.config.BubbleLookback {
		f.Bubble = w.TrailingReturn(c.config.BubbleLookback) >= c.config.BubbleThreshold
	}
	if periods >= c.config.StructuralLookback {
		f.StructuralBull = c.structuralBull(w)
	}

	return f
}

// ClassifyWindow derives features from the window and classifies them.
func (c *Classifier) ClassifyWindow(w *similarity.PriceWindow) Regime {
	return c.Classify(c.ExtractFeatures(w))
}

// LabelCloses labels a bare close slice with its regime key. Shaped to plug
// into similarity.MatchOptions.LabelFn so candidates come back pre-labeled.
// Invalid slices label as SIDE, keeping the scan alive.
func (c *Classifier) LabelCloses(closes []float64) string {
	w, err := similarity.NewPriceWindow(closes)
	if err != nil {
		return Side.String()
	}
	return c.ClassifyWindow(w).String()
}

// realizedVol annualizes the stdev of log returns over the vol lookback.
func (c *Classifier) realizedVol(w *similarity.PriceWindow) float64 {
	returns := w.LogReturns()
	lookback := c.config.VolLookback
	if len(returns) < lookback {
		lookback = len(returns)
	}
	if lookback < 2 {
		return 0
	}
	tail := returns[len(returns)-lookback:]

	mean := 0.0
	for _, r := range tail {
		mean += r
	}
	mean /= float64(len(tail))

	variance := 0.0
	for _, r := range tail {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(tail))

	return math.Sqrt(variance) * math.Sqrt(float64(c.config.PeriodsPerYear))
}

// structuralBull is true when the last close sits above its long SMA and
// the long-run trailing return is positive.
func (c *Classifier) structuralBull(w *similarity.PriceWindow) bool {
	span := c.config.StructuralLookback
	sum := 0.0
	for i := w.Len() - span; i < w.Len(); i++ {
		sum += w.Close(i)
	}
	sma := sum / float64(span)
	return w.LastClose() > sma && w.TrailingReturn(span) > 0
}
