// Package tune replays settled forecast outcomes under perturbed policy
// parameters. The replayer implements governance.Simulator, so proposals
// from the "tuner" source carry real walk-forward evidence instead of
// promoting on authority; the tuner searches the bounded parameter space
// for deltas worth proposing.
package tune

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/governance"
)

// Replayable policy parameters. Both select which settled outcomes would
// have been acted on; deltas on any other parameter change nothing the
// replay can observe, so simulating them is refused rather than faked.
const (
	ParamEnterThreshold = "fsm.enter_threshold"
	ParamMinMatches     = "similarity.min_matches"
)

// Outcome is one settled forecast: the signal the kernel produced and the
// return the market delivered over the decision horizon.
type Outcome struct {
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"` // LONG or SHORT
	Confidence    float64   `json:"confidence"`
	Matches       int       `json:"matches"`
	ForwardReturn float64   `json:"forward_return"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// Correct reports whether the signal called the realized direction.
func (o Outcome) Correct() bool {
	switch o.Direction {
	case "LONG":
		return o.ForwardReturn > 0
	case "SHORT":
		return o.ForwardReturn < 0
	}
	return false
}

// SignedReturn is the return a position on the signal would have realized.
func (o Outcome) SignedReturn() float64 {
	if o.Direction == "SHORT" {
		return -o.ForwardReturn
	}
	return o.ForwardReturn
}

// Config bounds the replayable parameter space and shapes the walk-forward
// evaluation.
type Config struct {
	// Bounds caps each replayable parameter's absolute value after a delta
	// is added. A delta that drives a parameter outside its bounds fails
	// simulation outright.
	Bounds map[string][2]float64

	// Folds is the number of contiguous chronological slices the history is
	// split into for walk-forward stability scoring.
	Folds int
}

// DefaultConfig returns the production replay bounds.
func DefaultConfig() *Config {
	return &Config{
		Bounds: map[string][2]float64{
			ParamEnterThreshold: {0.05, 0.95},
			ParamMinMatches:     {1, 50},
		},
		Folds: 5,
	}
}

// Validate reports every configuration violation.
func (c *Config) Validate() []string {
	var problems []string
	if c.Folds < 2 {
		problems = append(problems, fmt.Sprintf("folds %d must be at least 2", c.Folds))
	}
	names := make([]string, 0, len(c.Bounds))
	for name := range c.Bounds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := c.Bounds[name]
		if b[0] >= b[1] {
			problems = append(problems, fmt.Sprintf("bounds for %s are inverted or empty [%.3f, %.3f]", name, b[0], b[1]))
		}
	}
	return problems
}

// gates are the selection thresholds one replay pass applies.
type gates struct {
	enterThreshold float64
	minMatches     float64
}

// Replayer re-selects settled outcomes under perturbed thresholds and
// summarizes how the perturbed selection would have performed. It is pure
// over its inputs: the same history, base, and deltas always reproduce the
// same SimulationResult.
type Replayer struct {
	history []Outcome // chronological, LONG/SHORT only
	base    map[string]float64
	config  *Config
}

// NewReplayer builds a simulator over settled outcomes. Base carries the
// policy parameters the deltas will perturb, normally the live document's
// Params. Outcomes without a LONG or SHORT direction are dropped; the rest
// are sorted chronologically.
func NewReplayer(history []Outcome, base map[string]float64, config *Config) (*Replayer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if problems := config.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid replay config: %s", problems[0])
	}

	kept := make([]Outcome, 0, len(history))
	for _, o := range history {
		if o.Direction == "LONG" || o.Direction == "SHORT" {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("replay requires at least one settled directional outcome")
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].EvaluatedAt.Before(kept[j].EvaluatedAt) })

	baseCopy := make(map[string]float64, len(base))
	for k, v := range base {
		baseCopy[k] = v
	}
	return &Replayer{history: kept, base: baseCopy, config: config}, nil
}

// SampleSize is the number of settled outcomes available to replays.
func (r *Replayer) SampleSize() int { return len(r.history) }

// Simulate re-runs outcome selection with the deltas applied and reports
// the adjusted performance against the baseline. Fold accuracies drive the
// cross-validated numbers; full-history selections drive the trading
// deltas, so a threshold that helps on average but whipsaws across periods
// still fails the stability gate.
func (r *Replayer) Simulate(ctx context.Context, scope string, deltas map[string]float64) (*governance.SimulationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	adjusted, err := r.perturb(deltas)
	if err != nil {
		return nil, err
	}
	baseGates := r.gatesFor(r.base)
	adjGates := r.gatesFor(adjusted)

	var baseSum, adjSum float64
	scored, stable := 0, 0
	for _, fold := range r.folds() {
		baseActed := selectActed(fold, baseGates)
		adjActed := selectActed(fold, adjGates)
		if len(baseActed) == 0 || len(adjActed) == 0 {
			continue
		}
		b := hitRate(baseActed)
		a := hitRate(adjActed)
		baseSum += b
		adjSum += a
		scored++
		if a >= b {
			stable++
		}
	}
	if scored == 0 {
		return nil, fmt.Errorf("replay for scope %s selected no outcomes in any fold", scope)
	}

	baseActed := selectActed(r.history, baseGates)
	adjActed := selectActed(r.history, adjGates)
	result := &governance.SimulationResult{
		CVAccuracy:           adjSum / float64(scored),
		BaselineAccuracy:     baseSum / float64(scored),
		WalkForwardStability: float64(stable) / float64(scored),
		HitRateDelta:         hitRate(adjActed) - hitRate(baseActed),
		SharpeDelta:          sharpe(adjActed) - sharpe(baseActed),
		MaxDrawdownDelta:     maxDrawdown(adjActed) - maxDrawdown(baseActed),
		SampleSize:           len(adjActed),
	}

	log.Info().
		Str("scope", scope).
		Int("deltas", len(deltas)).
		Int("sample_size", result.SampleSize).
		Float64("cv_accuracy", result.CVAccuracy).
		Float64("baseline_accuracy", result.BaselineAccuracy).
		Float64("walk_forward", result.WalkForwardStability).
		Msg("Replay simulated parameter deltas")
	return result, nil
}

// perturb overlays deltas onto the base parameters, enforcing that every
// delta targets a replayable parameter and lands inside its bounds.
func (r *Replayer) perturb(deltas map[string]float64) (map[string]float64, error) {
	adjusted := make(map[string]float64, len(r.base))
	for k, v := range r.base {
		adjusted[k] = v
	}
	keys := make([]string, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		bounds, ok := r.config.Bounds[key]
		if !ok {
			return nil, fmt.Errorf("parameter %q is not replayable, only bounded selection parameters can be simulated", key)
		}
		next := adjusted[key] + deltas[key]
		if next < bounds[0] || next > bounds[1] {
			return nil, fmt.Errorf("delta drives %s to %.3f, outside bounds [%.3f, %.3f]", key, next, bounds[0], bounds[1])
		}
		adjusted[key] = next
	}
	return adjusted, nil
}

// valueFor reads a bounded parameter from the base set, falling back to the
// lower bound for keys the policy document predates.
func (r *Replayer) valueFor(name string) float64 {
	if v, ok := r.base[name]; ok {
		return v
	}
	return r.config.Bounds[name][0]
}

func (r *Replayer) gatesFor(params map[string]float64) gates {
	defaults := DefaultConfig().Bounds
	g := gates{
		enterThreshold: defaults[ParamEnterThreshold][0],
		minMatches:     defaults[ParamMinMatches][0],
	}
	if v, ok := params[ParamEnterThreshold]; ok {
		g.enterThreshold = v
	}
	if v, ok := params[ParamMinMatches]; ok {
		g.minMatches = v
	}
	return g
}

// folds splits the chronological history into contiguous slices. Uneven
// remainders pad the earliest folds so every outcome lands in exactly one.
func (r *Replayer) folds() [][]Outcome {
	n := len(r.history)
	count := r.config.Folds
	if count > n {
		count = n
	}
	size := n / count
	extra := n % count
	folds := make([][]Outcome, 0, count)
	start := 0
	for i := 0; i < count; i++ {
		end := start + size
		if i < extra {
			end++
		}
		folds = append(folds, r.history[start:end])
		start = end
	}
	return folds
}

func selectActed(outcomes []Outcome, g gates) []Outcome {
	var acted []Outcome
	for _, o := range outcomes {
		if o.Confidence >= g.enterThreshold && float64(o.Matches) >= g.minMatches {
			acted = append(acted, o)
		}
	}
	return acted
}

func hitRate(acted []Outcome) float64 {
	if len(acted) == 0 {
		return 0
	}
	hits := 0
	for _, o := range acted {
		if o.Correct() {
			hits++
		}
	}
	return float64(hits) / float64(len(acted))
}

// sharpe is the per-signal mean over stdev of signed returns. Degenerate
// selections (fewer than two signals, zero variance) score 0, never NaN.
func sharpe(acted []Outcome) float64 {
	if len(acted) < 2 {
		return 0
	}
	var sum float64
	for _, o := range acted {
		sum += o.SignedReturn()
	}
	mean := sum / float64(len(acted))
	var sq float64
	for _, o := range acted {
		d := o.SignedReturn() - mean
		sq += d * d
	}
	variance := sq / float64(len(acted)-1)
	if variance <= 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// maxDrawdown is the deepest peak-to-trough loss of the equity curve built
// by compounding the acted signals in order.
func maxDrawdown(acted []Outcome) float64 {
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, o := range acted {
		equity *= 1 + o.SignedReturn()
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}
