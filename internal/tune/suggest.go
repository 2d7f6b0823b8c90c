package tune

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

// Objective weighs what the tuner maximizes when scoring a candidate
// parameter set over the replay history.
type Objective struct {
	HitRateWeight    float64 // directional accuracy of acted signals
	RankWeight       float64 // confidence-to-return rank correlation
	RegularizationL2 float64 // pull toward the live parameters
}

// DefaultObjective returns the production objective weights.
func DefaultObjective() Objective {
	return Objective{
		HitRateWeight:    0.7,
		RankWeight:       0.3,
		RegularizationL2: 0.005,
	}
}

// Suggestion carries the best parameter deltas the search found and the
// replay evidence behind them. Empty Deltas means the live parameters
// already score best under the objective.
type Suggestion struct {
	Deltas          map[string]float64 `json:"deltas"`
	Score           float64            `json:"score"`
	BaselineScore   float64            `json:"baseline_score"` // 0 when the live parameters select nothing
	HitRate         float64            `json:"hit_rate"`
	RankCorrelation float64            `json:"rank_correlation"`
	SampleSize      int                `json:"sample_size"`
}

const (
	gridSteps    = 9
	searchPasses = 3
)

// Tuner greedily searches the replayer's bounded parameter space, one
// parameter at a time over a fixed grid, repeating until a pass stops
// improving. The search is deterministic: the same history and base
// parameters always produce the same suggestion.
type Tuner struct {
	replayer  *Replayer
	objective Objective
}

// NewTuner builds a tuner over a replayer. A zero objective uses defaults.
func NewTuner(replayer *Replayer, objective Objective) *Tuner {
	if objective == (Objective{}) {
		objective = DefaultObjective()
	}
	return &Tuner{replayer: replayer, objective: objective}
}

type evalStats struct {
	hitRate float64
	rank    float64
	acted   int
}

// Suggest returns the deltas that maximize the objective over the replay
// history. Deltas are expressed relative to the live parameters, ready to
// hand to governance.Propose.
func (t *Tuner) Suggest(ctx context.Context) (*Suggestion, error) {
	names := make([]string, 0, len(t.replayer.config.Bounds))
	for name := range t.replayer.config.Bounds {
		names = append(names, name)
	}
	sort.Strings(names)

	best := make(map[string]float64, len(names))
	for _, name := range names {
		best[name] = t.replayer.valueFor(name)
	}

	bestScore := -math.MaxFloat64
	var bestStats evalStats
	baselineScore := 0.0
	if score, stats, ok := t.score(best); ok {
		bestScore, bestStats, baselineScore = score, stats, score
	}

	for pass := 0; pass < searchPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		improved := false
		for _, name := range names {
			for _, candidate := range t.gridFor(name) {
				if candidate == best[name] {
					continue
				}
				trial := make(map[string]float64, len(best))
				for k, v := range best {
					trial[k] = v
				}
				trial[name] = candidate
				score, stats, ok := t.score(trial)
				if !ok {
					continue
				}
				if score > bestScore+1e-12 {
					best = trial
					bestScore = score
					bestStats = stats
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}

	deltas := make(map[string]float64)
	for _, name := range names {
		if d := best[name] - t.replayer.valueFor(name); math.Abs(d) > 1e-9 {
			deltas[name] = d
		}
	}

	log.Info().
		Int("deltas", len(deltas)).
		Float64("score", bestScore).
		Float64("baseline_score", baselineScore).
		Int("sample_size", bestStats.acted).
		Msg("Tuner search complete")
	return &Suggestion{
		Deltas:          deltas,
		Score:           bestScore,
		BaselineScore:   baselineScore,
		HitRate:         bestStats.hitRate,
		RankCorrelation: bestStats.rank,
		SampleSize:      bestStats.acted,
	}, nil
}

// score evaluates one absolute parameter set over the full history. A
// selection that acts on nothing cannot be scored and reports ok false.
func (t *Tuner) score(values map[string]float64) (float64, evalStats, bool) {
	acted := selectActed(t.replayer.history, t.replayer.gatesFor(values))
	if len(acted) == 0 {
		return 0, evalStats{}, false
	}
	confidences := make([]float64, len(acted))
	returns := make([]float64, len(acted))
	for i, o := range acted {
		confidences[i] = o.Confidence
		returns[i] = o.SignedReturn()
	}
	stats := evalStats{
		hitRate: hitRate(acted),
		rank:    spearman(confidences, returns),
		acted:   len(acted),
	}
	score := t.objective.HitRateWeight*stats.hitRate +
		t.objective.RankWeight*stats.rank -
		t.objective.RegularizationL2*t.l2(values)
	return score, stats, true
}

// l2 penalizes distance from the live parameters, each delta normalized by
// its bounds span so parameters on unlike scales share one penalty.
func (t *Tuner) l2(values map[string]float64) float64 {
	names := make([]string, 0, len(t.replayer.config.Bounds))
	for name := range t.replayer.config.Bounds {
		names = append(names, name)
	}
	sort.Strings(names)
	var sum float64
	for _, name := range names {
		bounds := t.replayer.config.Bounds[name]
		d := (values[name] - t.replayer.valueFor(name)) / (bounds[1] - bounds[0])
		sum += d * d
	}
	return sum
}

// gridFor spaces candidate values evenly across a parameter's bounds.
// Whole-number bounds mark a count-like parameter, so candidates round to
// integers and collapse duplicates.
func (t *Tuner) gridFor(name string) []float64 {
	bounds := t.replayer.config.Bounds[name]
	integral := bounds[0] == math.Trunc(bounds[0]) && bounds[1] == math.Trunc(bounds[1])
	out := make([]float64, 0, gridSteps)
	for i := 0; i < gridSteps; i++ {
		v := bounds[0] + float64(i)*(bounds[1]-bounds[0])/float64(gridSteps-1)
		if integral {
			v = math.Round(v)
		}
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// spearman is the rank correlation between two aligned samples, computed as
// the Pearson correlation of tie-averaged ranks. Degenerate inputs return
// 0, never NaN.
func spearman(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	rx := ranks(x)
	ry := ranks(y)

	n := float64(len(rx))
	var sumX, sumY float64
	for i := range rx {
		sumX += rx[i]
		sumY += ry[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range rx {
		dx := rx[i] - meanX
		dy := ry[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// ranks assigns 1-based ranks, averaging ties.
func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}
