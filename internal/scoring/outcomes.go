package scoring

import (
	"fmt"
	"math"

	"github.com/sawpanic/forecastrun/internal/calibration"
	"github.com/sawpanic/forecastrun/internal/horizon"
	"github.com/sawpanic/forecastrun/internal/similarity"
)

// Config holds the outcome-scoring parameters.
type Config struct {
	// OutcomeScale squashes the weighted mean forward return through tanh:
	// a mean move equal to the scale lands at ~0.76 raw score.
	OutcomeScale float64 `yaml:"outcome_scale"`

	// HorizonWeights is the base allocation per horizon before budget
	// capping. Horizons missing from the map share the leftover equally.
	HorizonWeights map[int]float64 `yaml:"horizon_weights"`

	// MinMatches is the fewest contributing analogues a horizon needs;
	// below it the horizon scores zero rather than trusting noise.
	MinMatches int `yaml:"min_matches"`
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() *Config {
	return &Config{
		OutcomeScale: 0.05,
		HorizonWeights: map[int]float64{
			7:  0.20,
			14: 0.30,
			30: 0.30,
			60: 0.20,
		},
		MinMatches: 3,
	}
}

// Validate reports every configuration violation.
func (c *Config) Validate() []string {
	var problems []string
	if c.OutcomeScale <= 0 {
		problems = append(problems, fmt.Sprintf("outcome_scale %.4f must be positive", c.OutcomeScale))
	}
	for h, w := range c.HorizonWeights {
		if h <= 0 {
			problems = append(problems, fmt.Sprintf("horizon %d must be positive", h))
		}
		if w < 0 {
			problems = append(problems, fmt.Sprintf("horizon %d weight %.3f must be non-negative", h, w))
		}
	}
	if c.MinMatches < 1 {
		problems = append(problems, "min_matches must be at least 1")
	}
	return problems
}

// HorizonStat summarizes what the analogue pool said about one horizon.
type HorizonStat struct {
	Horizon     int     `json:"horizon"`
	MatchCount  int     `json:"match_count"`  // analogues that contributed
	WeightTotal float64 `json:"weight_total"` // sum of similarity weights
	MeanOutcome float64 `json:"mean_outcome"` // similarity-weighted forward return
	RawScore    float64 `json:"raw_score"`    // tanh-squashed, in [-1, 1]
	LongShare   float64 `json:"long_share"`   // weighted share of positive outcomes
	EffectiveN  float64 `json:"effective_n"`
}

// Result is the scored view of a match set across all requested horizons.
type Result struct {
	Scores     []horizon.Score     `json:"scores"`
	Stats      map[int]HorizonStat `json:"stats"`
	EffectiveN float64             `json:"effective_n"` // concentration-adjusted analogue count
	Warnings   []string            `json:"warnings,omitempty"`
}

// Scorer turns match-candidate outcomes into per-horizon signed scores.
type Scorer struct {
	config *Config
}

// NewScorer creates an outcome scorer. A nil config uses defaults.
func NewScorer(config *Config) *Scorer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scorer{config: config}
}

// ScoreOutcomes aggregates the forward returns of the analogue pool into one
// signed raw score per horizon. Each candidate is weighted by its total
// similarity (negatives contribute nothing). Horizons with fewer than
// min_matches contributors score zero and carry a warning.
func (s *Scorer) ScoreOutcomes(candidates []similarity.MatchCandidate, horizons []int) (*Result, error) {
	if len(horizons) == 0 {
		return nil, fmt.Errorf("scoring requires at least one horizon")
	}

	result := &Result{
		Scores: make([]horizon.Score, 0, len(horizons)),
		Stats:  make(map[int]HorizonStat, len(horizons)),
	}

	baseWeights := s.baseWeights(horizons)
	poolWeights := make([]float64, 0, len(candidates))
	counted := make(map[string]bool, len(candidates))

	for _, h := range horizons {
		stat := HorizonStat{Horizon: h}
		var weighted, longWeighted float64
		horizonWeights := make([]float64, 0, len(candidates))

		for i := range candidates {
			w := candidates[i].TotalSimilarity
			if w <= 0 {
				continue
			}
			outcome, ok := candidates[i].Outcomes[h]
			if !ok {
				continue
			}
			stat.MatchCount++
			stat.WeightTotal += w
			weighted += w * outcome
			if outcome > 0 {
				longWeighted += w
			}
			horizonWeights = append(horizonWeights, w)
			if !counted[candidates[i].ID] {
				counted[candidates[i].ID] = true
				poolWeights = append(poolWeights, w)
			}
		}

		if stat.WeightTotal > 0 {
			stat.MeanOutcome = weighted / stat.WeightTotal
			stat.LongShare = longWeighted / stat.WeightTotal
			stat.EffectiveN = calibration.EffectiveN(horizonWeights)
		}

		if stat.MatchCount >= s.config.MinMatches {
			stat.RawScore = math.Tanh(stat.MeanOutcome / s.config.OutcomeScale)
		} else if stat.MatchCount > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("horizon %d: %d contributors below minimum %d, scored zero",
					h, stat.MatchCount, s.config.MinMatches))
		}

		result.Stats[h] = stat
		result.Scores = append(result.Scores, horizon.Score{
			Horizon:  h,
			RawScore: stat.RawScore,
			Weight:   baseWeights[h],
		})
	}

	result.EffectiveN = calibration.EffectiveN(poolWeights)
	return result, nil
}

// Confidence is the weighted agreement of the analogue pool with the
// assembled direction: the share of similarity mass that landed on the same
// side, averaged across horizons by their final budget weights. A neutral
// direction has nothing to agree with and scores the coin-flip 0.5.
func (s *Scorer) Confidence(direction horizon.Direction, stats map[int]HorizonStat, finalWeights map[int]float64) float64 {
	if direction == horizon.Neutral {
		return 0.5
	}

	var agree, total float64
	for h, w := range finalWeights {
		stat, ok := stats[h]
		if !ok || stat.MatchCount == 0 || w <= 0 {
			continue
		}
		share := stat.LongShare
		if direction == horizon.Short {
			share = 1 - stat.LongShare
		}
		agree += w * share
		total += w
	}
	if total <= 0 {
		return 0.5
	}
	return agree / total
}

// baseWeights normalizes the configured horizon weights over the horizons
// actually requested; horizons absent from the config split the leftover
// mass equally. The returned weights sum to 1.
func (s *Scorer) baseWeights(horizons []int) map[int]float64 {
	weights := make(map[int]float64, len(horizons))

	var configured float64
	missing := 0
	for _, h := range horizons {
		if w, ok := s.config.HorizonWeights[h]; ok {
			weights[h] = w
			configured += w
		} else {
			missing++
		}
	}

	leftover := 1 - configured
	if leftover < 0 {
		leftover = 0
	}
	if missing > 0 {
		each := leftover / float64(missing)
		for _, h := range horizons {
			if _, ok := weights[h]; !ok {
				weights[h] = each
			}
		}
	}

	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		each := 1 / float64(len(horizons))
		for _, h := range horizons {
			weights[h] = each
		}
		return weights
	}
	for h, w := range weights {
		weights[h] = w / sum
	}
	return weights
}
