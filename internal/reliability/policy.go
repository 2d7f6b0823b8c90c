package reliability

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Badge grades the rolling reliability of the forecast stack, from healthy
// to unusable. Severity increases with the value.
type Badge int

const (
	BadgeOK Badge = iota
	BadgeWarn
	BadgeDegraded
	BadgeCritical
)

// String returns the badge label used in logs and persisted state.
func (b Badge) String() string {
	switch b {
	case BadgeOK:
		return "OK"
	case BadgeWarn:
		return "WARN"
	case BadgeDegraded:
		return "DEGRADED"
	case BadgeCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Action is what the policy does about a badge.
type Action int

const (
	ActionNone Action = iota
	ActionRaiseThresholds
	ActionFreezeEntries
	ActionFreezeAll
)

// String returns the action label used in logs and persisted state.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionRaiseThresholds:
		return "RAISE_THRESHOLDS"
	case ActionFreezeEntries:
		return "FREEZE_ENTRIES"
	case ActionFreezeAll:
		return "FREEZE_ALL"
	default:
		return "UNKNOWN"
	}
}

// ParseAction converts a config string back to its enum value.
func ParseAction(key string) (Action, error) {
	switch key {
	case "none", "NONE":
		return ActionNone, nil
	case "raise_thresholds", "RAISE_THRESHOLDS":
		return ActionRaiseThresholds, nil
	case "freeze_entries", "FREEZE_ENTRIES":
		return ActionFreezeEntries, nil
	case "freeze_all", "FREEZE_ALL":
		return ActionFreezeAll, nil
	default:
		return ActionNone, fmt.Errorf("unknown reliability action: %q", key)
	}
}

// Block reasons surfaced to callers and logs.
const (
	ReasonFreezeAllActive     = "FREEZE_ALL_ACTIVE"
	ReasonFreezeEntriesActive = "FREEZE_ENTRIES_ACTIVE"
)

// Config holds the badge boundaries and the two lookup tables
// (badge to confidence multiplier, badge to action).
type Config struct {
	// Score boundaries. A score at or above the boundary earns the badge;
	// anything below MinScoreDegraded is CRITICAL.
	MinScoreOK       float64 `yaml:"min_score_ok"`
	MinScoreWarn     float64 `yaml:"min_score_warn"`
	MinScoreDegraded float64 `yaml:"min_score_degraded"`

	// Confidence multipliers. OK must be 1.0 and the sequence must be
	// monotonically non-increasing with severity.
	ModifierOK       float64 `yaml:"modifier_ok"`
	ModifierWarn     float64 `yaml:"modifier_warn"`
	ModifierDegraded float64 `yaml:"modifier_degraded"`
	ModifierCritical float64 `yaml:"modifier_critical"`

	// CriticalAction selects which freeze CRITICAL triggers:
	// "freeze_entries" or "freeze_all".
	CriticalAction string `yaml:"critical_action"`

	FreezeCooldownDays int `yaml:"freeze_cooldown_days"` // freeze window length

	// OverrideConfidence lets an extremely strong signal open a position
	// during FREEZE_ENTRIES. FREEZE_ALL has no override.
	OverrideConfidence float64 `yaml:"override_confidence"`

	// Threshold deltas applied only while the action is RAISE_THRESHOLDS.
	RaiseSimilarityDelta float64 `yaml:"raise_similarity_delta"`
	RaiseMinMatches      int     `yaml:"raise_min_matches"`
	RaiseConsensusFloor  float64 `yaml:"raise_consensus_floor"`
}

// DefaultConfig returns the production reliability policy.
func DefaultConfig() *Config {
	return &Config{
		MinScoreOK:           0.75,
		MinScoreWarn:         0.50,
		MinScoreDegraded:     0.25,
		ModifierOK:           1.00,
		ModifierWarn:         0.75,
		ModifierDegraded:     0.50,
		ModifierCritical:     0.25,
		CriticalAction:       "freeze_entries",
		FreezeCooldownDays:   5,
		OverrideConfidence:   0.90, // only near-certainty trades through a freeze
		RaiseSimilarityDelta: 0.05,
		RaiseMinMatches:      2,
		RaiseConsensusFloor:  0.60,
	}
}

// Validate reports every configuration violation.
func (c *Config) Validate() []string {
	var problems []string
	if !(c.MinScoreOK > c.MinScoreWarn && c.MinScoreWarn > c.MinScoreDegraded && c.MinScoreDegraded > 0) {
		problems = append(problems, "badge score boundaries must satisfy ok > warn > degraded > 0")
	}
	if c.ModifierOK != 1.0 {
		problems = append(problems, fmt.Sprintf("modifier_ok is %.3f, must be exactly 1.0", c.ModifierOK))
	}
	if !(c.ModifierOK >= c.ModifierWarn && c.ModifierWarn >= c.ModifierDegraded && c.ModifierDegraded >= c.ModifierCritical) {
		problems = append(problems, "modifiers must be monotonically non-increasing with severity")
	}
	if c.ModifierCritical < 0 {
		problems = append(problems, "modifier_critical must be non-negative")
	}
	if _, err := ParseAction(c.CriticalAction); err != nil {
		problems = append(problems, err.Error())
	} else if a, _ := ParseAction(c.CriticalAction); a != ActionFreezeEntries && a != ActionFreezeAll {
		problems = append(problems, fmt.Sprintf("critical_action %q must be a freeze action", c.CriticalAction))
	}
	if c.FreezeCooldownDays < 1 {
		problems = append(problems, "freeze_cooldown_days must be at least 1")
	}
	if c.OverrideConfidence <= 0 || c.OverrideConfidence > 1 {
		problems = append(problems, fmt.Sprintf("override_confidence %.3f must be in (0, 1]", c.OverrideConfidence))
	}
	if c.RaiseSimilarityDelta < 0 || c.RaiseMinMatches < 0 {
		problems = append(problems, "raise deltas must be non-negative")
	}
	return problems
}

// State is the recomputed-per-cycle reliability record for one symbol.
// FrozenUntil, once set, survives badge improvements and only clears by
// natural expiry.
type State struct {
	Badge       Badge     `json:"badge"`
	Score       float64   `json:"score"`
	Modifier    float64   `json:"modifier"`
	Action      Action    `json:"action"`
	FrozenUntil time.Time `json:"frozen_until,omitempty"`
	FrozenBy    Action    `json:"frozen_by,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// FrozenAt reports whether a freeze window is still active at t.
func (s State) FrozenAt(t time.Time) bool {
	return !s.FrozenUntil.IsZero() && t.Before(s.FrozenUntil)
}

// Signal is the slice of a decision the freeze logic needs.
type Signal struct {
	Confidence float64 `json:"confidence"`
	IsExit     bool    `json:"is_exit"` // exits pass FREEZE_ENTRIES untouched
}

// BlockDecision says whether and why a signal is suppressed.
type BlockDecision struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// Thresholds are the entry-gate minimums RAISE_THRESHOLDS tightens.
type Thresholds struct {
	MinSimilarity  float64 `json:"min_similarity"`
	MinMatches     int     `json:"min_matches"`
	ConsensusFloor float64 `json:"consensus_floor"`
}

// Policy converts reliability scores into confidence multipliers, actions,
// and freeze windows. Stateless; the State it builds is the caller's to
// keep per symbol.
type Policy struct {
	config *Config
}

// NewPolicy creates a reliability policy. A nil config uses defaults.
func NewPolicy(config *Config) *Policy {
	if config == nil {
		config = DefaultConfig()
	}
	return &Policy{config: config}
}

// BadgeForScore maps a rolling reliability score to its badge.
func (p *Policy) BadgeForScore(score float64) Badge {
	switch {
	case score >= p.config.MinScoreOK:
		return BadgeOK
	case score >= p.config.MinScoreWarn:
		return BadgeWarn
	case score >= p.config.MinScoreDegraded:
		return BadgeDegraded
	default:
		return BadgeCritical
	}
}

// ModifierForBadge returns the confidence multiplier for a badge.
func (p *Policy) ModifierForBadge(b Badge) float64 {
	switch b {
	case BadgeOK:
		return p.config.ModifierOK
	case BadgeWarn:
		return p.config.ModifierWarn
	case BadgeDegraded:
		return p.config.ModifierDegraded
	case BadgeCritical:
		return p.config.ModifierCritical
	default:
		return p.config.ModifierCritical
	}
}

// ActionForBadge returns the policy action for a badge. CRITICAL resolves
// through the configurable freeze selection.
func (p *Policy) ActionForBadge(b Badge) Action {
	switch b {
	case BadgeOK, BadgeWarn:
		return ActionNone
	case BadgeDegraded:
		return ActionRaiseThresholds
	case BadgeCritical:
		a, err := ParseAction(p.config.CriticalAction)
		if err != nil || (a != ActionFreezeEntries && a != ActionFreezeAll) {
			return ActionFreezeEntries
		}
		return a
	default:
		return ActionNone
	}
}

// ShouldFreeze is true only for the two freeze actions.
func ShouldFreeze(a Action) bool {
	return a == ActionFreezeEntries || a == ActionFreezeAll
}

// BuildState recomputes the reliability state from a fresh score. Any freeze
// window still active in prev carries forward unchanged even when the new
// badge would not itself freeze: freezes end only by natural expiry. A new
// freeze while one is active may extend the window (never shorten it) and
// may escalate FREEZE_ENTRIES to FREEZE_ALL, never the reverse.
func (p *Policy) BuildState(prev *State, score float64, now time.Time) State {
	badge := p.BadgeForScore(score)
	action := p.ActionForBadge(badge)

	state := State{
		Badge:       badge,
		Score:       score,
		Modifier:    p.ModifierForBadge(badge),
		Action:      action,
		EvaluatedAt: now,
	}

	if prev != nil && prev.FrozenAt(now) {
		state.FrozenUntil = prev.FrozenUntil
		state.FrozenBy = prev.FrozenBy
	}

	if ShouldFreeze(action) {
		until := now.AddDate(0, 0, p.config.FreezeCooldownDays)
		if until.After(state.FrozenUntil) {
			state.FrozenUntil = until
		}
		if state.FrozenBy != ActionFreezeAll {
			state.FrozenBy = action
		}
		log.Warn().
			Str("badge", badge.String()).
			Str("action", action.String()).
			Float64("score", score).
			Time("frozen_until", state.FrozenUntil).
			Msg("Reliability freeze active")
	}

	return state
}

// ShouldBlockSignal consults the active freeze window. FREEZE_ALL blocks
// every signal while frozen. FREEZE_ENTRIES blocks new entries only: exits
// always pass, and an entry whose confidence exceeds the override threshold
// trades through.
func (p *Policy) ShouldBlockSignal(state State, sig Signal, now time.Time) BlockDecision {
	if !state.FrozenAt(now) {
		return BlockDecision{}
	}

	switch state.FrozenBy {
	case ActionFreezeAll:
		return BlockDecision{Blocked: true, Reason: ReasonFreezeAllActive}
	case ActionFreezeEntries:
		if sig.IsExit {
			return BlockDecision{}
		}
		if sig.Confidence > p.config.OverrideConfidence {
			log.Info().
				Float64("confidence", sig.Confidence).
				Float64("override", p.config.OverrideConfidence).
				Msg("Entry override during freeze window")
			return BlockDecision{}
		}
		return BlockDecision{Blocked: true, Reason: ReasonFreezeEntriesActive}
	default:
		return BlockDecision{}
	}
}

// RaisedThresholds tightens the entry-gate minimums, but only while the
// current action is exactly RAISE_THRESHOLDS; every other action returns
// the base unchanged.
func (p *Policy) RaisedThresholds(state State, base Thresholds) Thresholds {
	if state.Action != ActionRaiseThresholds {
		return base
	}
	raised := Thresholds{
		MinSimilarity:  base.MinSimilarity + p.config.RaiseSimilarityDelta,
		MinMatches:     base.MinMatches + p.config.RaiseMinMatches,
		ConsensusFloor: base.ConsensusFloor,
	}
	if p.config.RaiseConsensusFloor > raised.ConsensusFloor {
		raised.ConsensusFloor = p.config.RaiseConsensusFloor
	}
	return raised
}
