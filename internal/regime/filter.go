package regime

import (
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/similarity"
)

// FilterResult carries the filtered pool plus the diagnostics callers need
// to judge how much the fallback diluted regime purity.
type FilterResult struct {
	Regime         Regime                      `json:"regime"`
	Candidates     []similarity.MatchCandidate `json:"candidates"`
	ExactCount     int                         `json:"exact_count"`
	FallbackUsed   bool                        `json:"fallback_used"`
	CompatibleKeys []string                    `json:"compatible_keys,omitempty"`
	PoolSize       int                         `json:"pool_size"`
}

// FilterCandidates restricts a candidate pool to regime-compatible history.
// Tier 1 keeps exact-regime matches only; when that count falls below the
// configured minimum the filter expands to the static compatibility table
// and flags the fallback. Strict matching starves rare regimes (CRASH,
// BUBBLE) of sample size, which is why the second tier exists.
func (c *Classifier) FilterCandidates(pool []similarity.MatchCandidate, live Regime) *FilterResult {
	result := &FilterResult{
		Regime:   live,
		PoolSize: len(pool),
	}

	liveKey := live.String()
	exact := make([]similarity.MatchCandidate, 0, len(pool))
	for _, cand := range pool {
		if cand.RegimeKey == liveKey {
			exact = append(exact, cand)
		}
	}
	result.ExactCount = len(exact)

	if len(exact) >= c.config.minSameRegime() {
		result.Candidates = exact
		return result
	}

	compatible := CompatibleRegimes(live)
	keys := make(map[string]bool, len(compatible))
	for _, r := range compatible {
		keys[r.String()] = true
		result.CompatibleKeys = append(result.CompatibleKeys, r.String())
	}

	expanded := make([]similarity.MatchCandidate, 0, len(pool))
	for _, cand := range pool {
		if keys[cand.RegimeKey] {
			expanded = append(expanded, cand)
		}
	}

	result.Candidates = expanded
	result.FallbackUsed = true

	log.Info().
		Str("regime", liveKey).
		Int("exact_matches", result.ExactCount).
		Int("required", c.config.minSameRegime()).
		Int("expanded_matches", len(expanded)).
		Strs("compatible", result.CompatibleKeys).
		Msg("Regime filter fell back to compatibility table")

	return result
}
