package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/calibration"
	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/horizon"
	"github.com/sawpanic/forecastrun/internal/position"
	"github.com/sawpanic/forecastrun/internal/regime"
	"github.com/sawpanic/forecastrun/internal/reliability"
	"github.com/sawpanic/forecastrun/internal/scoring"
	"github.com/sawpanic/forecastrun/internal/similarity"
)

// MatchConfig bounds the history scan and the quality gates on its output.
type MatchConfig struct {
	Horizons       []int   `yaml:"horizons"`        // forward horizons in periods
	MinSimilarity  float64 `yaml:"min_similarity"`  // candidate floor for the scan
	MinMatches     int     `yaml:"min_matches"`     // fewer survivors degrades to NEUTRAL
	MaxMatches     int     `yaml:"max_matches"`     // top-K kept per scan
	Stride         int     `yaml:"stride"`          // scan step through history
	ConsensusFloor float64 `yaml:"consensus_floor"` // entry floor while thresholds are raised
}

// Config composes every component configuration one decision cycle reads.
type Config struct {
	Match       MatchConfig           `yaml:"match"`
	Similarity  *similarity.Config    `yaml:"similarity"`
	Regime      *regime.Config        `yaml:"regime"`
	Scoring     *scoring.Config       `yaml:"scoring"`
	Budget      *horizon.BudgetConfig `yaml:"budget"`
	Calibration *calibration.Config   `yaml:"calibration"`
	Reliability *reliability.Config   `yaml:"reliability"`
	Rules       *position.RuleSet     `yaml:"rules"`
}

// DefaultConfig returns the production decision kernel settings.
func DefaultConfig() *Config {
	return &Config{
		Match: MatchConfig{
			Horizons:       []int{7, 14, 30, 60},
			MinSimilarity:  0.60,
			MinMatches:     5,
			MaxMatches:     50,
			Stride:         1,
			ConsensusFloor: 0.55,
		},
		Similarity:  similarity.DefaultConfig(),
		Regime:      regime.DefaultConfig(),
		Scoring:     scoring.DefaultConfig(),
		Budget:      horizon.DefaultBudgetConfig(),
		Calibration: calibration.DefaultConfig(),
		Reliability: reliability.DefaultConfig(),
		Rules:       position.DefaultRuleSet(),
	}
}

// Validate reports every configuration violation across all components.
func (c *Config) Validate() []string {
	var problems []string
	if len(c.Match.Horizons) == 0 {
		problems = append(problems, "match: at least one horizon is required")
	}
	for _, h := range c.Match.Horizons {
		if h < 1 {
			problems = append(problems, fmt.Sprintf("match: horizon %d must be at least 1 period", h))
		}
	}
	if c.Match.MinSimilarity < 0 || c.Match.MinSimilarity > 1 {
		problems = append(problems, fmt.Sprintf("match: min_similarity %.3f must be in [0, 1]", c.Match.MinSimilarity))
	}
	if c.Match.MinMatches < 1 {
		problems = append(problems, "match: min_matches must be at least 1")
	}
	if c.Match.MaxMatches < 0 {
		problems = append(problems, "match: max_matches must be non-negative")
	}
	if c.Match.ConsensusFloor < 0 || c.Match.ConsensusFloor > 1 {
		problems = append(problems, fmt.Sprintf("match: consensus_floor %.3f must be in [0, 1]", c.Match.ConsensusFloor))
	}
	for _, sub := range []struct {
		name     string
		problems []string
	}{
		{"similarity", c.Similarity.Validate()},
		{"regime", c.Regime.Validate()},
		{"scoring", c.Scoring.Validate()},
		{"budget", c.Budget.Validate()},
		{"calibration", c.Calibration.Validate()},
		{"reliability", c.Reliability.Validate()},
		{"rules", c.Rules.Validate()},
	} {
		for _, p := range sub.problems {
			problems = append(problems, sub.name+": "+p)
		}
	}
	return problems
}

// DecisionInput is one evaluation request. Window and History are read-only
// for the duration of the cycle; Policy, when set, overlays the live policy
// document's parameters onto the configured defaults for this cycle only.
type DecisionInput struct {
	Symbol           string
	Window           *similarity.PriceWindow
	History          *similarity.PriceSeries
	Horizons         []int                      // nil uses the configured set
	Policy           *governance.PolicyDocument // nil runs on configured defaults
	ReliabilityScore float64                    // upstream health score in [0, 1]
	Exposure         float64                    // requested size fraction; 0 sizes by confidence
	Now              time.Time                  // zero uses wall clock
}

// Diagnostics carries the per-cycle evidence callers need to judge a
// decision without re-running it.
type Diagnostics struct {
	RegimeKey              string   `json:"regime_key"`
	MatchCount             int      `json:"match_count"`
	ExactMatches           int      `json:"exact_matches"`
	FallbackUsed           bool     `json:"fallback_used"`
	Degraded               bool     `json:"degraded,omitempty"`
	RepresentationCoverage []string `json:"representation_coverage,omitempty"`
	DominantHorizon        int      `json:"dominant_horizon"`
	DominancePct           float64  `json:"dominance_pct"`
	EffectiveN             float64  `json:"effective_n"`
	ECE                    float64  `json:"ece"`
	EvaluationTimeMs       float64  `json:"evaluation_time_ms"`
	Warnings               []string `json:"warnings,omitempty"`
}

// DecisionResult is the outcome of one full decision cycle.
type DecisionResult struct {
	Symbol               string                    `json:"symbol"`
	Direction            string                    `json:"direction"`
	AssembledScore       float64                   `json:"assembled_score"`
	RawConfidence        float64                   `json:"raw_confidence"`
	CalibratedConfidence float64                   `json:"calibrated_confidence"`
	AdjustedConfidence   float64                   `json:"adjusted_confidence"` // after the reliability modifier
	ReliabilityBadge     string                    `json:"reliability_badge"`
	Blocked              bool                      `json:"blocked"`
	BlockReason          string                    `json:"block_reason,omitempty"`
	Transition           position.TransitionResult `json:"transition"`
	Diagnostics          Diagnostics               `json:"diagnostics"`
	EvaluatedAt          time.Time                 `json:"evaluated_at"`
}

// Engine runs the full decision cycle: similarity scan, regime filter,
// outcome scoring, budget assembly, calibration, reliability gate, and the
// position transition. Mutable state (positions, reliability states,
// calibration trackers) is keyed by symbol; a per-symbol mutex serializes
// whole cycles so mutations for one symbol never interleave, while distinct
// symbols evaluate in parallel. No I/O happens inside a cycle; callers load
// state before and persist after.
type Engine struct {
	config *Config
	sim    *similarity.Engine
	calib  *calibration.Engine

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	positions map[string]position.State
	relStates map[string]reliability.State
}

// NewEngine creates a decision engine. A nil config uses defaults; nil
// component configs inside a partial config are filled with defaults.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Similarity == nil {
		config.Similarity = defaults.Similarity
	}
	if config.Regime == nil {
		config.Regime = defaults.Regime
	}
	if config.Scoring == nil {
		config.Scoring = defaults.Scoring
	}
	if config.Budget == nil {
		config.Budget = defaults.Budget
	}
	if config.Calibration == nil {
		config.Calibration = defaults.Calibration
	}
	if config.Reliability == nil {
		config.Reliability = defaults.Reliability
	}
	if config.Rules == nil {
		config.Rules = defaults.Rules
	}
	if len(config.Match.Horizons) == 0 {
		config.Match = defaults.Match
	}
	return &Engine{
		config:    config,
		sim:       similarity.NewEngine(config.Similarity),
		calib:     calibration.NewEngine(config.Calibration),
		locks:     make(map[string]*sync.Mutex),
		positions: make(map[string]position.State),
		relStates: make(map[string]reliability.State),
	}
}

// Calibration exposes the calibration engine for warm-up and persistence.
func (e *Engine) Calibration() *calibration.Engine {
	return e.calib
}

// RecordOutcome feeds one realized forecast outcome back into calibration.
// Called when a horizon matures, typically days after the decision.
func (e *Engine) RecordOutcome(symbol string, horizonDays int, rawConfidence float64, correct bool) {
	e.calib.Update(symbol, horizonDays, rawConfidence, correct)
}

// SeedPosition installs a persisted position before the first cycle.
func (e *Engine) SeedPosition(state position.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[state.Symbol] = state
}

// Position returns the current lifecycle state for a symbol.
func (e *Engine) Position(symbol string) (position.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.positions[symbol]
	return state, ok
}

// Positions returns every held position state, sorted by symbol.
func (e *Engine) Positions() []position.State {
	e.mu.Lock()
	defer e.mu.Unlock()

	symbols := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	states := make([]position.State, 0, len(symbols))
	for _, sym := range symbols {
		states = append(states, e.positions[sym])
	}
	return states
}

// SeedReliability installs a persisted reliability state, preserving any
// freeze window across restarts.
func (e *Engine) SeedReliability(symbol string, state reliability.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relStates[symbol] = state
}

// ReliabilityState returns the last built reliability state for a symbol.
func (e *Engine) ReliabilityState(symbol string) (reliability.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.relStates[symbol]
	return state, ok
}

// lockFor returns the mutex serializing cycles for one symbol.
func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.locks[symbol]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[symbol] = mu
	}
	return mu
}

// Evaluate runs one full decision cycle for a symbol under its lock.
func (e *Engine) Evaluate(ctx context.Context, input DecisionInput) (*DecisionResult, error) {
	if input.Symbol == "" {
		return nil, fmt.Errorf("evaluate requires a symbol")
	}
	if input.Window == nil {
		return nil, fmt.Errorf("evaluate requires a live price window")
	}
	if input.History == nil {
		return nil, fmt.Errorf("evaluate requires a price history")
	}

	mu := e.lockFor(input.Symbol)
	mu.Lock()
	defer mu.Unlock()

	return e.evaluateLocked(ctx, input)
}

func (e *Engine) evaluateLocked(ctx context.Context, input DecisionInput) (*DecisionResult, error) {
	start := time.Now()
	now := input.Now
	if now.IsZero() {
		now = start.UTC()
	}

	knobs := e.effectiveKnobs(input.Policy)

	// Reliability state first: RAISE_THRESHOLDS must tighten the match
	// floor before the history scan runs.
	relPolicy := reliability.NewPolicy(knobs.reliability)
	prev, hasPrev := e.reliabilityFor(input.Symbol)
	var prevPtr *reliability.State
	if hasPrev {
		prevPtr = &prev
	}
	relState := relPolicy.BuildState(prevPtr, input.ReliabilityScore, now)
	e.storeReliability(input.Symbol, relState)

	thresholds := reliability.Thresholds{
		MinSimilarity:  knobs.match.MinSimilarity,
		MinMatches:     knobs.match.MinMatches,
		ConsensusFloor: knobs.match.ConsensusFloor,
	}
	raised := relState.Action == reliability.ActionRaiseThresholds
	if raised {
		thresholds = relPolicy.RaisedThresholds(relState, thresholds)
	}

	horizons := input.Horizons
	if len(horizons) == 0 {
		horizons = knobs.match.Horizons
	}

	classifier := regime.NewClassifier(knobs.regime)
	liveRegime := classifier.ClassifyWindow(input.Window)

	matchSet, err := e.sim.FindMatches(ctx, input.Window, input.History, similarity.MatchOptions{
		Horizons:      horizons,
		MinSimilarity: thresholds.MinSimilarity,
		MaxMatches:    knobs.match.MaxMatches,
		Stride:        knobs.match.Stride,
		LabelFn:       classifier.LabelCloses,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity scan for %s failed: %w", input.Symbol, err)
	}

	filtered := classifier.FilterCandidates(matchSet.Candidates, liveRegime)

	scorer := scoring.NewScorer(knobs.scoring)
	scored, err := scorer.ScoreOutcomes(filtered.Candidates, horizons)
	if err != nil {
		return nil, fmt.Errorf("outcome scoring for %s failed: %w", input.Symbol, err)
	}

	allocator := horizon.NewAllocator(knobs.budget)
	assembled, err := allocator.Assemble(scored.Scores)
	if err != nil {
		return nil, fmt.Errorf("budget assembly for %s failed: %w", input.Symbol, err)
	}

	warnings := append([]string{}, scored.Warnings...)
	warnings = append(warnings, assembled.Warnings...)

	direction := assembled.Direction
	degraded := len(filtered.Candidates) < thresholds.MinMatches
	if degraded {
		direction = horizon.Neutral
		warnings = append(warnings, fmt.Sprintf(
			"matches %d below minimum %d, decision degraded to neutral",
			len(filtered.Candidates), thresholds.MinMatches))
	}

	rawConfidence := scorer.Confidence(direction, scored.Stats, assembled.Weights)
	calibrated := e.calib.Calibrate(rawConfidence, scored.EffectiveN, input.Symbol, assembled.DominantHorizon)
	adjusted := calibrated * relState.Modifier

	if raised && direction != horizon.Neutral && adjusted < thresholds.ConsensusFloor {
		direction = horizon.Neutral
		warnings = append(warnings, fmt.Sprintf(
			"adjusted confidence %.3f below raised consensus floor %.3f",
			adjusted, thresholds.ConsensusFloor))
	}

	current, ok := e.positionFor(input.Symbol)
	if !ok {
		current = position.State{Symbol: input.Symbol, Side: position.SideFlat}
	}

	desired := sideFor(direction)
	blockDec := relPolicy.ShouldBlockSignal(relState, reliability.Signal{
		Confidence: adjusted,
		IsExit:     current.Side != position.SideFlat && desired == position.SideFlat,
	}, now)

	exposure := input.Exposure
	if exposure <= 0 {
		exposure = clamp01(adjusted)
	}

	fsm := position.NewFSM(knobs.rules)
	transition := fsm.Transition(current, position.TransitionInput{
		Desired:      desired,
		Confidence:   adjusted,
		Exposure:     exposure,
		Price:        input.Window.LastClose(),
		Now:          now,
		BlockEntries: blockDec.Blocked && blockDec.Reason == reliability.ReasonFreezeEntriesActive,
		BlockAll:     blockDec.Blocked && blockDec.Reason == reliability.ReasonFreezeAllActive,
	})
	e.storePosition(transition.To)

	coverage := make([]string, 0, len(matchSet.Coverage))
	for _, kind := range matchSet.Coverage {
		coverage = append(coverage, kind.String())
	}

	result := &DecisionResult{
		Symbol:               input.Symbol,
		Direction:            direction.String(),
		AssembledScore:       assembled.AssembledScore,
		RawConfidence:        rawConfidence,
		CalibratedConfidence: calibrated,
		AdjustedConfidence:   adjusted,
		ReliabilityBadge:     relState.Badge.String(),
		Blocked:              blockDec.Blocked,
		BlockReason:          blockDec.Reason,
		Transition:           transition,
		Diagnostics: Diagnostics{
			RegimeKey:              liveRegime.String(),
			MatchCount:             len(filtered.Candidates),
			ExactMatches:           filtered.ExactCount,
			FallbackUsed:           filtered.FallbackUsed,
			Degraded:               degraded,
			RepresentationCoverage: coverage,
			DominantHorizon:        assembled.DominantHorizon,
			DominancePct:           assembled.DominancePct,
			EffectiveN:             scored.EffectiveN,
			ECE:                    e.calib.GetSnapshot(input.Symbol, assembled.DominantHorizon).ECE,
			EvaluationTimeMs:       float64(time.Since(start).Microseconds()) / 1000.0,
			Warnings:               warnings,
		},
		EvaluatedAt: now,
	}

	log.Info().
		Str("symbol", input.Symbol).
		Str("direction", result.Direction).
		Float64("confidence", adjusted).
		Str("regime", result.Diagnostics.RegimeKey).
		Int("matches", result.Diagnostics.MatchCount).
		Bool("fallback", result.Diagnostics.FallbackUsed).
		Bool("blocked", result.Blocked).
		Str("action", transition.Action.String()).
		Str("reason", transition.Reason).
		Msg("Decision cycle complete")

	return result, nil
}

func (e *Engine) positionFor(symbol string) (position.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.positions[symbol]
	return state, ok
}

func (e *Engine) storePosition(state position.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[state.Symbol] = state
}

func (e *Engine) reliabilityFor(symbol string) (reliability.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.relStates[symbol]
	return state, ok
}

func (e *Engine) storeReliability(symbol string, state reliability.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relStates[symbol] = state
}

// cycleKnobs are the per-cycle effective settings after the policy overlay.
type cycleKnobs struct {
	match       MatchConfig
	regime      *regime.Config
	scoring     *scoring.Config
	budget      *horizon.BudgetConfig
	reliability *reliability.Config
	rules       *position.RuleSet
}

// effectiveKnobs overlays the live policy document onto the configured
// defaults. Only stateless per-cycle knobs participate; calibration
// parameters bind at engine construction because trackers are stateful.
func (e *Engine) effectiveKnobs(doc *governance.PolicyDocument) cycleKnobs {
	knobs := cycleKnobs{
		match:       e.config.Match,
		regime:      e.config.Regime,
		scoring:     e.config.Scoring,
		budget:      e.config.Budget,
		reliability: e.config.Reliability,
		rules:       e.config.Rules,
	}
	if doc == nil {
		return knobs
	}

	knobs.match.MinSimilarity = doc.Param("similarity.min_similarity", knobs.match.MinSimilarity)
	knobs.match.MinMatches = int(doc.Param("similarity.min_matches", float64(knobs.match.MinMatches)))
	knobs.match.MaxMatches = int(doc.Param("similarity.max_matches", float64(knobs.match.MaxMatches)))

	reg := *e.config.Regime
	reg.CrashThreshold = doc.Param("regime.crash_threshold", reg.CrashThreshold)
	reg.BubbleThreshold = doc.Param("regime.bubble_threshold", reg.BubbleThreshold)
	knobs.regime = &reg

	budget := *e.config.Budget
	budget.MaxDominance = doc.Param("budget.max_dominance", budget.MaxDominance)
	budget.NeutralDeadband = doc.Param("budget.neutral_deadband", budget.NeutralDeadband)
	knobs.budget = &budget

	score := *e.config.Scoring
	score.OutcomeScale = doc.Param("scoring.outcome_scale", score.OutcomeScale)
	knobs.scoring = &score

	rel := *e.config.Reliability
	rel.OverrideConfidence = doc.Param("reliability.override_confidence", rel.OverrideConfidence)
	rel.FreezeCooldownDays = int(doc.Param("reliability.freeze_cooldown_days", float64(rel.FreezeCooldownDays)))
	knobs.reliability = &rel

	rules := *e.config.Rules
	rules.EnterThreshold = doc.Param("fsm.enter_threshold", rules.EnterThreshold)
	rules.ExitThreshold = doc.Param("fsm.exit_threshold", rules.ExitThreshold)
	rules.MinHoldDays = int(doc.Param("fsm.min_hold_days", float64(rules.MinHoldDays)))
	rules.MaxHoldDays = int(doc.Param("fsm.max_hold_days", float64(rules.MaxHoldDays)))
	rules.CooldownDays = int(doc.Param("fsm.cooldown_days", float64(rules.CooldownDays)))
	rules.FlipThreshold = doc.Param("fsm.flip_threshold", rules.FlipThreshold)
	rules.RoundTripCost = doc.Param("fsm.round_trip_cost", rules.RoundTripCost)
	knobs.rules = &rules

	return knobs
}

func sideFor(d horizon.Direction) position.Side {
	switch d {
	case horizon.Long:
		return position.SideLong
	case horizon.Short:
		return position.SideShort
	default:
		return position.SideFlat
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
