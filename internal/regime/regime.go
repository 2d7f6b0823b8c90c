package regime

import "fmt"

// Regime labels the coarse market state of a price window. Classification
// follows strict priority: Crash > Bubble > Bull > Bear > Side.
type Regime int

const (
	Side Regime = iota
	Bull
	Bear
	Crash
	Bubble
)

// String returns the canonical regime key used in match candidates, logs,
// and persisted diagnostics.
func (r Regime) String() string {
	switch r {
	case Bull:
		return "BULL"
	case Bear:
		return "BEAR"
	case Side:
		return "SIDE"
	case Crash:
		return "CRASH"
	case Bubble:
		return "BUBBLE"
	default:
		return "UNKNOWN"
	}
}

// ParseRegime converts a regime key back to its enum value.
func ParseRegime(key string) (Regime, error) {
	switch key {
	case "BULL":
		return Bull, nil
	case "BEAR":
		return Bear, nil
	case "SIDE":
		return Side, nil
	case "CRASH":
		return Crash, nil
	case "BUBBLE":
		return Bubble, nil
	default:
		return Side, fmt.Errorf("unknown regime key: %q", key)
	}
}

// AllRegimes fixes iteration order for exhaustive table checks.
var AllRegimes = []Regime{Side, Bull, Bear, Crash, Bubble}

// compatibleWith is the static fallback table used when strict regime
// matching starves a rare regime of sample size. Every regime accepts
// itself; the extras are the states that historically share dynamics.
var compatibleWith = map[Regime][]Regime{
	Bull:   {Bull, Side},
	Bear:   {Bear, Side},
	Side:   {Side, Bull, Bear},
	Crash:  {Crash, Bear},
	Bubble: {Bubble, Bull},
}

// CompatibleRegimes returns the fallback acceptance set for a regime.
func CompatibleRegimes(r Regime) []Regime {
	if set, ok := compatibleWith[r]; ok {
		return set
	}
	return []Regime{r}
}

// Features is the tuple the classifier consumes. Trend is a normalized
// directional strength in [-1, 1]; Volatility is annualized and
// non-negative; the three flags are precomputed extremum conditions.
type Features struct {
	Trend          float64 `json:"trend"`
	Volatility     float64 `json:"volatility"`
	Crash          bool    `json:"crash"`
	Bubble         bool    `json:"bubble"`
	StructuralBull bool    `json:"structural_bull"`
}
