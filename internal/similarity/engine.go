package similarity

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

// Config controls which representations participate in the ensemble and how
// each one is derived and normalized.
type Config struct {
	UseReturns  bool `yaml:"use_returns"`   // log-return shape
	UseVolShape bool `yaml:"use_vol_shape"` // rolling volatility shape
	UseDrawdown bool `yaml:"use_drawdown"`  // running drawdown shape
	UseMomo     bool `yaml:"use_momo"`      // momentum slope shape

	VolLookback  int `yaml:"vol_lookback"`  // rolling stdev lookback (periods)
	MomoLookback int `yaml:"momo_lookback"` // rolling slope lookback (periods)

	ZScore      bool `yaml:"z_score"`      // standardize within window before norm
	L2Normalize bool `yaml:"l2_normalize"` // scale vectors to unit norm

	// Ensemble weights per representation; renormalized over the kinds
	// actually present in both windows of a comparison.
	WeightReturns  float64 `yaml:"weight_returns"`
	WeightVolShape float64 `yaml:"weight_vol_shape"`
	WeightDrawdown float64 `yaml:"weight_drawdown"`
	WeightMomo     float64 `yaml:"weight_momo"`
}

// DefaultConfig returns the production representation ensemble.
func DefaultConfig() *Config {
	return &Config{
		UseReturns:     true,
		UseVolShape:    true,
		UseDrawdown:    true,
		UseMomo:        true,
		VolLookback:    10,   // ~2 trading weeks of daily returns
		MomoLookback:   15,   // 3 trading weeks of slope context
		ZScore:         true, // shape match, not level match
		L2Normalize:    true,
		WeightReturns:  0.40,
		WeightVolShape: 0.20,
		WeightDrawdown: 0.20,
		WeightMomo:     0.20,
	}
}

// Validate reports every configuration violation rather than the first.
func (c *Config) Validate() []string {
	var problems []string
	if !c.UseReturns && !c.UseVolShape && !c.UseDrawdown && !c.UseMomo {
		problems = append(problems, "at least one representation must be enabled")
	}
	if c.UseVolShape && c.VolLookback < 2 {
		problems = append(problems, fmt.Sprintf("vol_lookback %d below minimum 2", c.VolLookback))
	}
	if c.UseMomo && c.MomoLookback < 2 {
		problems = append(problems, fmt.Sprintf("momo_lookback %d below minimum 2", c.MomoLookback))
	}
	total := 0.0
	for _, w := range []float64{c.WeightReturns, c.WeightVolShape, c.WeightDrawdown, c.WeightMomo} {
		if w < 0 {
			problems = append(problems, "representation weights must be non-negative")
			break
		}
		total += w
	}
	if total <= 0 {
		problems = append(problems, "representation weights must sum to a positive value")
	}
	return problems
}

func (c *Config) enabled(kind RepresentationKind) bool {
	switch kind {
	case RepReturns:
		return c.UseReturns
	case RepVolShape:
		return c.UseVolShape
	case RepDrawdown:
		return c.UseDrawdown
	case RepMomoSlope:
		return c.UseMomo
	default:
		return false
	}
}

func (c *Config) weight(kind RepresentationKind) float64 {
	switch kind {
	case RepReturns:
		return c.WeightReturns
	case RepVolShape:
		return c.WeightVolShape
	case RepDrawdown:
		return c.WeightDrawdown
	case RepMomoSlope:
		return c.WeightMomo
	default:
		return 0
	}
}

// MatchCandidate is one historical analogue of the live window. Created by
// the engine, consumed read-only by regime filtering and scoring.
type MatchCandidate struct {
	ID              string                         `json:"id"`
	StartIndex      int                            `json:"start_index"`
	EndIndex        int                            `json:"end_index"`
	StartDate       string                         `json:"start_date,omitempty"`
	EndDate         string                         `json:"end_date,omitempty"`
	SimilarityByRep map[RepresentationKind]float64 `json:"similarity_by_rep"`
	TotalSimilarity float64                        `json:"total_similarity"`
	Outcomes        map[int]float64                `json:"outcomes"` // forward return by horizon
	RegimeKey       string                         `json:"regime_key,omitempty"`
}

// MatchSet is the ranked result of one history scan with the coverage
// diagnostics callers must check before trusting sparse ensembles.
type MatchSet struct {
	Candidates []MatchCandidate     `json:"candidates"`
	Coverage   []RepresentationKind `json:"coverage"` // representations the live window supported
	Scanned    int                  `json:"scanned"`
	Skipped    int                  `json:"skipped"`
}

// MatchOptions bounds one history scan.
type MatchOptions struct {
	Horizons      []int   // forward horizons (periods) to record outcomes for
	MinSimilarity float64 // candidates below this total similarity are dropped
	MaxMatches    int     // keep the top-K by total similarity, 0 = keep all
	Stride        int     // scan step through history, minimum 1

	// LabelFn, when set, labels each candidate window with a regime key so
	// downstream filtering avoids re-slicing history. Closes passed in are
	// the candidate's own.
	LabelFn func(closes []float64) string
}

// Engine scores historical windows against a live window via a weighted
// ensemble of per-representation cosine similarities. Stateless per call
// and safe for concurrent use.
type Engine struct {
	config *Config
}

// NewEngine creates a similarity engine. A nil config uses defaults.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{config: config}
}

// BuildRepresentations derives every enabled representation the window is
// long enough to support. Short windows degrade by omission: the returned
// map simply lacks the kind, and Compare renormalizes over what remains.
func (e *Engine) BuildRepresentations(w *PriceWindow) map[RepresentationKind]RepresentationVector {
	reps := make(map[RepresentationKind]RepresentationVector, len(allKinds))
	for _, kind := range allKinds {
		if !e.config.enabled(kind) {
			continue
		}
		values := buildVector(kind, w, e.config)
		if values == nil {
			continue
		}
		if e.config.ZScore {
			values = zScore(values)
		}
		if e.config.L2Normalize {
			values = l2Normalize(values)
		}
		reps[kind] = RepresentationVector{Kind: kind, Values: values}
	}
	return reps
}

// Compare scores candidate representations against the live ones. Weights
// renormalize over the kinds present in both maps, so a missing
// representation contributes nothing instead of dragging the total down.
// TotalSimilarity stays within the cosine range [-1, 1].
func (e *Engine) Compare(live, candidate map[RepresentationKind]RepresentationVector) (float64, map[RepresentationKind]float64) {
	byRep := make(map[RepresentationKind]float64, len(allKinds))
	weightTotal := 0.0
	weighted := 0.0

	for _, kind := range allKinds {
		lv, okLive := live[kind]
		cv, okCand := candidate[kind]
		if !okLive || !okCand {
			continue
		}
		sim := Cosine(lv.Values, cv.Values)
		byRep[kind] = sim
		w := e.config.weight(kind)
		weighted += w * sim
		weightTotal += w
	}

	if weightTotal == 0 {
		return 0, byRep
	}
	return weighted / weightTotal, byRep
}

// FindMatches slides a window of the live window's length through history,
// scoring each candidate against the live window and recording forward
// outcome returns per horizon. Candidates whose longest horizon runs past
// the series end are skipped so every match carries complete outcomes.
// Deterministic: identical inputs produce identical ranked output.
func (e *Engine) FindMatches(ctx context.Context, live *PriceWindow, history *PriceSeries, opts MatchOptions) (*MatchSet, error) {
	if live == nil || history == nil {
		return nil, fmt.Errorf("find matches requires both a live window and a history series")
	}
	if len(opts.Horizons) == 0 {
		return nil, fmt.Errorf("find matches requires at least one horizon")
	}

	stride := opts.Stride
	if stride < 1 {
		stride = 1
	}
	maxHorizon := 0
	for _, h := range opts.Horizons {
		if h < 1 {
			return nil, fmt.Errorf("horizon %d must be at least 1 period", h)
		}
		if h > maxHorizon {
			maxHorizon = h
		}
	}

	liveReps := e.BuildRepresentations(live)
	coverage := make([]RepresentationKind, 0, len(liveReps))
	for _, kind := range allKinds {
		if _, ok := liveReps[kind]; ok {
			coverage = append(coverage, kind)
		}
	}
	if len(coverage) == 0 {
		return nil, fmt.Errorf("live window of %d periods supports no enabled representation", live.Periods())
	}

	windowLen := live.Len()
	set := &MatchSet{Coverage: coverage}

	lastStart := history.Len() - windowLen - maxHorizon
	for start := 0; start <= lastStart; start += stride {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + windowLen - 1

		candWindow, err := history.Window(start, end)
		if err != nil {
			return nil, err
		}
		set.Scanned++

		candReps := e.BuildRepresentations(candWindow)
		total, byRep := e.Compare(liveReps, candReps)
		if total < opts.MinSimilarity {
			set.Skipped++
			continue
		}

		outcomes := make(map[int]float64, len(opts.Horizons))
		complete := true
		for _, h := range opts.Horizons {
			ret, ok := history.ForwardReturn(end, h)
			if !ok {
				complete = false
				break
			}
			outcomes[h] = ret
		}
		if !complete {
			set.Skipped++
			continue
		}

		cand := MatchCandidate{
			ID:              fmt.Sprintf("w%05d-%05d", start, end),
			StartIndex:      start,
			EndIndex:        end,
			SimilarityByRep: byRep,
			TotalSimilarity: clampCosine(total),
			Outcomes:        outcomes,
		}
		if history.Dates != nil {
			cand.StartDate = history.Dates[start].Format("2006-01-02")
			cand.EndDate = history.Dates[end].Format("2006-01-02")
		}
		if opts.LabelFn != nil {
			cand.RegimeKey = opts.LabelFn(history.Closes[start : end+1])
		}
		set.Candidates = append(set.Candidates, cand)
	}

	// Rank by similarity, tie-broken by start index for determinism.
	sort.SliceStable(set.Candidates, func(i, j int) bool {
		if set.Candidates[i].TotalSimilarity != set.Candidates[j].TotalSimilarity {
			return set.Candidates[i].TotalSimilarity > set.Candidates[j].TotalSimilarity
		}
		return set.Candidates[i].StartIndex < set.Candidates[j].StartIndex
	})
	if opts.MaxMatches > 0 && len(set.Candidates) > opts.MaxMatches {
		set.Candidates = set.Candidates[:opts.MaxMatches]
	}

	log.Debug().
		Int("scanned", set.Scanned).
		Int("skipped", set.Skipped).
		Int("matches", len(set.Candidates)).
		Int("coverage", len(coverage)).
		Msg("Similarity scan completed")

	return set, nil
}

// clampCosine guards against float drift pushing a weighted cosine sum a
// hair outside the [-1, 1] range.
func clampCosine(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
