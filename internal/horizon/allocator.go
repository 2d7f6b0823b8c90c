package horizon

import (
	"fmt"
	"math"
	"sort"
)

// Direction is the assembled decision side.
type Direction int

const (
	Neutral Direction = iota
	Long
	Short
)

// String returns the canonical direction label.
func (d Direction) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	case Neutral:
		return "NEUTRAL"
	default:
		return "UNKNOWN"
	}
}

// Score is one horizon's signed contribution to the assembled decision.
// Weights across all horizons in one assembly sum to 1 before capping.
type Score struct {
	Horizon  int     `json:"horizon"`   // lookahead in periods
	RawScore float64 `json:"raw_score"` // signed, typically in [-1, 1]
	Weight   float64 `json:"weight"`    // allocation weight in [0, 1]
}

// BudgetConfig bounds how much any single horizon may contribute.
type BudgetConfig struct {
	Caps               map[int]float64 `yaml:"caps"`                // per-horizon contribution cap
	MaxDominance       float64         `yaml:"max_dominance"`       // global ceiling on any contribution
	RedistributeExcess bool            `yaml:"redistribute_excess"` // push capped excess to the others
	NeutralDeadband    float64         `yaml:"neutral_deadband"`    // |score| below this is NEUTRAL
}

// DefaultBudgetConfig returns the production horizon budget.
func DefaultBudgetConfig() *BudgetConfig {
	return &BudgetConfig{
		Caps: map[int]float64{
			7:  0.40,
			14: 0.40,
			30: 0.35,
			60: 0.35,
		},
		MaxDominance:       0.45, // no single horizon owns near half the decision
		RedistributeExcess: true,
		NeutralDeadband:    0.02,
	}
}

// Validate reports every configuration violation.
func (c *BudgetConfig) Validate() []string {
	var problems []string
	if c.MaxDominance <= 0 || c.MaxDominance > 1 {
		problems = append(problems, fmt.Sprintf("max_dominance %.3f must be in (0, 1]", c.MaxDominance))
	}
	if c.NeutralDeadband < 0 || c.NeutralDeadband >= 1 {
		problems = append(problems, fmt.Sprintf("neutral_deadband %.3f must be in [0, 1)", c.NeutralDeadband))
	}
	for h, limit := range c.Caps {
		if limit <= 0 || limit > 1 {
			problems = append(problems, fmt.Sprintf("cap for horizon %d is %.3f, must be in (0, 1]", h, limit))
		}
	}
	return problems
}

// capFor resolves the effective cap for a horizon: the tighter of its own
// cap and the global dominance ceiling. Horizons without an explicit cap
// are bounded by dominance alone.
func (c *BudgetConfig) capFor(horizon int) float64 {
	limit, ok := c.Caps[horizon]
	if !ok || limit > c.MaxDominance {
		return c.MaxDominance
	}
	return limit
}

// AssemblyResult is the budget-constrained combination of horizon scores.
// DominantHorizon and DominancePct describe the pre-cap concentration and
// are always populated when any contribution exists.
type AssemblyResult struct {
	AssembledScore      float64         `json:"assembled_score"`
	Direction           Direction       `json:"direction"`
	Weights             map[int]float64 `json:"weights"` // post-cap, post-redistribution
	DominantHorizon     int             `json:"dominant_horizon"`
	DominancePct        float64         `json:"dominance_pct"`
	CappedHorizons      []int           `json:"capped_horizons,omitempty"`
	RedistributedExcess float64         `json:"redistributed_excess"`
	Warnings            []string        `json:"warnings,omitempty"`
}

// Allocator assembles per-horizon signed scores into one decision while
// capping any single horizon's contribution. Stateless and deterministic.
type Allocator struct {
	config *BudgetConfig
}

// NewAllocator creates a budget allocator. A nil config uses defaults.
func NewAllocator(config *BudgetConfig) *Allocator {
	if config == nil {
		config = DefaultBudgetConfig()
	}
	return &Allocator{config: config}
}

// Assemble combines horizon scores under the budget. Contributions are the
// normalized absolute weighted scores; anything above its cap is clamped
// and the excess redistributed proportionally to the uncapped horizons,
// then the weights renormalize to sum 1. An all-zero input produces a
// neutral zero result, never NaN.
func (a *Allocator) Assemble(scores []Score) (*AssemblyResult, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("assembly requires at least one horizon score")
	}
	seen := make(map[int]bool, len(scores))
	for _, s := range scores {
		if s.Horizon <= 0 {
			return nil, fmt.Errorf("horizon %d must be positive", s.Horizon)
		}
		if seen[s.Horizon] {
			return nil, fmt.Errorf("duplicate horizon %d in assembly input", s.Horizon)
		}
		seen[s.Horizon] = true
		if s.Weight < 0 {
			return nil, fmt.Errorf("horizon %d weight %.4f must be non-negative", s.Horizon, s.Weight)
		}
		if math.IsNaN(s.RawScore) || math.IsInf(s.RawScore, 0) {
			return nil, fmt.Errorf("horizon %d raw score is not finite", s.Horizon)
		}
	}

	result := &AssemblyResult{Direction: Neutral}

	weightSum := 0.0
	for _, s := range scores {
		weightSum += s.Weight
	}
	if weightSum == 0 {
		result.Warnings = append(result.Warnings, "zero total input weight, neutral result")
		return result, nil
	}
	if math.Abs(weightSum-1.0) > 1e-6 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("input weights sum to %.6f, renormalized to 1", weightSum))
	}

	// Deterministic horizon order.
	ordered := make([]Score, len(scores))
	copy(ordered, scores)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Horizon < ordered[j].Horizon })

	// Normalized absolute contributions.
	total := 0.0
	raw := make(map[int]float64, len(ordered))
	for _, s := range ordered {
		raw[s.Horizon] = math.Abs(s.RawScore) * (s.Weight / weightSum)
		total += raw[s.Horizon]
	}
	if total == 0 {
		result.Warnings = append(result.Warnings, "all horizon scores are zero, neutral result")
		return result, nil
	}

	contrib := make(map[int]float64, len(ordered))
	for h, v := range raw {
		contrib[h] = v / total
	}

	// Pre-cap concentration diagnostics.
	for _, s := range ordered {
		pct := contrib[s.Horizon] * 100
		if pct > result.DominancePct {
			result.DominancePct = pct
			result.DominantHorizon = s.Horizon
		}
	}

	// Cap and collect excess.
	excess := 0.0
	capped := make(map[int]bool, len(ordered))
	for _, s := range ordered {
		limit := a.config.capFor(s.Horizon)
		if contrib[s.Horizon] > limit {
			excess += contrib[s.Horizon] - limit
			contrib[s.Horizon] = limit
			capped[s.Horizon] = true
			result.CappedHorizons = append(result.CappedHorizons, s.Horizon)
		}
	}

	if excess > 0 && a.config.RedistributeExcess {
		receiverTotal := 0.0
		for _, s := range ordered {
			if !capped[s.Horizon] {
				receiverTotal += contrib[s.Horizon]
			}
		}
		if receiverTotal > 0 {
			for _, s := range ordered {
				if !capped[s.Horizon] {
					contrib[s.Horizon] += excess * (contrib[s.Horizon] / receiverTotal)
				}
			}
			result.RedistributedExcess = excess
		}
	}

	// Renormalize so the final weights sum to exactly 1.
	finalTotal := 0.0
	for _, v := range contrib {
		finalTotal += v
	}
	result.Weights = make(map[int]float64, len(contrib))
	for h, v := range contrib {
		result.Weights[h] = v / finalTotal
	}

	// Signed score under the redistributed weights.
	assembled := 0.0
	for _, s := range ordered {
		assembled += result.Weights[s.Horizon] * s.RawScore
	}
	result.AssembledScore = assembled

	switch {
	case assembled > a.config.NeutralDeadband:
		result.Direction = Long
	case assembled < -a.config.NeutralDeadband:
		result.Direction = Short
	default:
		result.Direction = Neutral
	}

	return result, nil
}
