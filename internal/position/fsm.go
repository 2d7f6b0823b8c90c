package position

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// Side is which way a position points.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideFlat:
		return "FLAT"
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Sign returns the P&L direction multiplier for the side.
func (s Side) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// ParseSide converts a persisted side label back to its enum value.
func ParseSide(key string) (Side, error) {
	switch key {
	case "FLAT", "flat":
		return SideFlat, nil
	case "LONG", "long":
		return SideLong, nil
	case "SHORT", "short":
		return SideShort, nil
	default:
		return SideFlat, fmt.Errorf("unknown position side: %q", key)
	}
}

// ActionTaken labels the transition the state machine emitted.
type ActionTaken int

const (
	ActionHold ActionTaken = iota
	ActionEnter
	ActionExit
	ActionForceExitMaxHold
	ActionFlip
	ActionResize
)

func (a ActionTaken) String() string {
	switch a {
	case ActionHold:
		return "HOLD"
	case ActionEnter:
		return "ENTER"
	case ActionExit:
		return "EXIT"
	case ActionForceExitMaxHold:
		return "FORCE_EXIT_MAXHOLD"
	case ActionFlip:
		return "FLIP"
	case ActionResize:
		return "RESIZE"
	default:
		return "UNKNOWN"
	}
}

// Reason strings attached to transition results.
const (
	ReasonMaxHoldReached      = "max_hold_reached"
	ReasonAllFrozen           = "all_trading_frozen"
	ReasonEntriesFrozen       = "entries_frozen"
	ReasonCooldownActive      = "cooldown_active"
	ReasonNoSignal            = "no_signal"
	ReasonBelowEnterThreshold = "below_enter_threshold"
	ReasonZeroExposure        = "zero_exposure"
	ReasonDesiredFlat         = "desired_flat"
	ReasonBelowExitThreshold  = "below_exit_threshold"
	ReasonFlipsDisabled       = "flips_disabled"
	ReasonFlipBelowThreshold  = "flip_below_threshold"
	ReasonResizeDelta         = "resize_delta"
	ReasonThresholdCrossed    = "threshold_crossed"
	ReasonNoChange            = "no_change"
)

// State is the single mutable position record per symbol. Transitions are
// the only writer. Invariant: side=FLAT implies size=0 and a zero EntryTime.
type State struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"` // exposure fraction in [0,1]
	EntryTime     time.Time `json:"entry_time,omitempty"`
	EntryPrice    float64   `json:"entry_price,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InCooldown reports whether the post-exit cooldown window is active at t.
func (s State) InCooldown(t time.Time) bool {
	return !s.CooldownUntil.IsZero() && t.Before(s.CooldownUntil)
}

// HoldDays returns how long the position has been open, in days.
// Zero for flat positions.
func (s State) HoldDays(t time.Time) float64 {
	if s.Side == SideFlat || s.EntryTime.IsZero() {
		return 0
	}
	return t.Sub(s.EntryTime).Hours() / 24
}

// RuleSet holds the transition thresholds and holding-period limits.
type RuleSet struct {
	EnterThreshold float64 `yaml:"enter_threshold"` // minimum confidence to open
	ExitThreshold  float64 `yaml:"exit_threshold"`  // confidence below this closes after min hold
	MinHoldDays    int     `yaml:"min_hold_days"`
	MaxHoldDays    int     `yaml:"max_hold_days"` // hard time-stop
	CooldownDays   int     `yaml:"cooldown_days"` // entry lockout after exit or flip
	FlipAllowed    bool    `yaml:"flip_allowed"`
	FlipThreshold  float64 `yaml:"flip_threshold"`  // floor for cost-adjusted flip confidence
	RoundTripCost  float64 `yaml:"round_trip_cost"` // confidence penalty per implied round trip
	ResizeMinDelta float64 `yaml:"resize_min_delta"`
}

// DefaultRuleSet returns the production transition rules.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		EnterThreshold: 0.20,
		ExitThreshold:  0.15,
		MinHoldDays:    10,
		MaxHoldDays:    45,
		CooldownDays:   7,
		FlipAllowed:    true,
		FlipThreshold:  0.35,
		RoundTripCost:  0.05, // a flip pays this twice: the implicit exit plus the new entry
		ResizeMinDelta: 0.15,
	}
}

// Validate reports every rule violation.
func (r *RuleSet) Validate() []string {
	var problems []string
	if r.EnterThreshold <= 0 || r.EnterThreshold > 1 {
		problems = append(problems, fmt.Sprintf("enter_threshold %.3f must be in (0, 1]", r.EnterThreshold))
	}
	if r.ExitThreshold < 0 || r.ExitThreshold >= r.EnterThreshold {
		problems = append(problems, "exit_threshold must be non-negative and below enter_threshold")
	}
	if r.MinHoldDays < 0 {
		problems = append(problems, "min_hold_days must be non-negative")
	}
	if r.MaxHoldDays <= r.MinHoldDays {
		problems = append(problems, fmt.Sprintf("max_hold_days %d must exceed min_hold_days %d", r.MaxHoldDays, r.MinHoldDays))
	}
	if r.CooldownDays < 0 {
		problems = append(problems, "cooldown_days must be non-negative")
	}
	if r.FlipAllowed && r.FlipThreshold < r.EnterThreshold {
		problems = append(problems, "flip_threshold must be at least enter_threshold")
	}
	if r.RoundTripCost < 0 {
		problems = append(problems, "round_trip_cost must be non-negative")
	}
	if r.ResizeMinDelta <= 0 || r.ResizeMinDelta > 1 {
		problems = append(problems, fmt.Sprintf("resize_min_delta %.3f must be in (0, 1]", r.ResizeMinDelta))
	}
	return problems
}

// TransitionInput is the per-cycle signal handed to the state machine.
// BlockEntries and BlockAll come from the reliability layer; BlockAll
// suppresses everything except the hard time-stop.
type TransitionInput struct {
	Desired      Side      `json:"desired"`
	Confidence   float64   `json:"confidence"`
	Exposure     float64   `json:"exposure"` // requested size fraction in [0,1]
	Price        float64   `json:"price"`
	Now          time.Time `json:"now"`
	BlockEntries bool      `json:"block_entries"`
	BlockAll     bool      `json:"block_all"`
}

// TransitionResult records what the state machine did and why.
type TransitionResult struct {
	Action           ActionTaken `json:"action"`
	Reason           string      `json:"reason"`
	From             State       `json:"from"`
	To               State       `json:"to"`
	HoldDays         float64     `json:"hold_days"`
	UnrealizedReturn float64     `json:"unrealized_return"`
}

// FSM drives position lifecycle transitions. Stateless; the State it
// transforms is the caller's to keep per symbol.
type FSM struct {
	rules *RuleSet
}

// NewFSM creates a position state machine. A nil rule set uses defaults.
func NewFSM(rules *RuleSet) *FSM {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &FSM{rules: rules}
}

// Rules returns the active rule set.
func (m *FSM) Rules() *RuleSet { return m.rules }

// MarkToMarket returns the unrealized return of an open position at price,
// signed by side and scaled by size. Pure: never mutates the state.
func MarkToMarket(state State, price float64) float64 {
	if state.Side == SideFlat || state.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	return (price/state.EntryPrice - 1) * state.Side.Sign() * state.Size
}

// Transition evaluates one signal against the current position. Precedence:
//
//  1. Hard time-stop: holding >= maxHoldDays force-exits regardless of the
//     signal and regardless of any freeze.
//  2. BlockAll holds everything else in place.
//  3. From FLAT: enter iff not in cooldown, desired is a real side,
//     confidence clears the enter threshold, and exposure is positive.
//  4. From an open position, once held >= minHoldDays: exit when the signal
//     wants flat or confidence drops below the exit threshold.
//  5. Flip to the opposite side when allowed, not in cooldown, and the
//     confidence net of two round-trip costs clears the flip threshold.
//  6. Resize in place when the requested exposure moves by at least
//     resize_min_delta, preserving the entry timestamp. Scaling up adds
//     exposure, so an entries freeze refuses it; scaling down passes.
//
// Exits, flips, and forced exits all start a cooldown window.
func (m *FSM) Transition(state State, input TransitionInput) TransitionResult {
	result := TransitionResult{
		Action:           ActionHold,
		Reason:           ReasonNoChange,
		From:             state,
		To:               state,
		HoldDays:         state.HoldDays(input.Now),
		UnrealizedReturn: MarkToMarket(state, input.Price),
	}

	if state.Side != SideFlat && result.HoldDays >= float64(m.rules.MaxHoldDays) {
		result.Action = ActionForceExitMaxHold
		result.Reason = ReasonMaxHoldReached
		result.To = m.closed(state, input.Now)
		log.Warn().
			Str("symbol", state.Symbol).
			Str("side", state.Side.String()).
			Float64("hold_days", result.HoldDays).
			Int("max_hold_days", m.rules.MaxHoldDays).
			Msg("Hard time-stop forced exit")
		return result
	}

	if input.BlockAll {
		result.Reason = ReasonAllFrozen
		return result
	}

	if state.Side == SideFlat {
		return m.transitionFromFlat(state, input, result)
	}
	return m.transitionFromOpen(state, input, result)
}

func (m *FSM) transitionFromFlat(state State, input TransitionInput, result TransitionResult) TransitionResult {
	if input.Desired == SideFlat {
		result.Reason = ReasonNoSignal
		return result
	}
	if state.InCooldown(input.Now) {
		result.Reason = ReasonCooldownActive
		return result
	}
	if input.BlockEntries {
		result.Reason = ReasonEntriesFrozen
		return result
	}
	if input.Confidence < m.rules.EnterThreshold {
		result.Reason = ReasonBelowEnterThreshold
		return result
	}
	if input.Exposure <= 0 {
		result.Reason = ReasonZeroExposure
		return result
	}

	result.Action = ActionEnter
	result.Reason = ReasonThresholdCrossed
	result.To = State{
		Symbol:     state.Symbol,
		Side:       input.Desired,
		Size:       clampSize(input.Exposure),
		EntryTime:  input.Now,
		EntryPrice: input.Price,
		UpdatedAt:  input.Now,
	}
	return result
}

func (m *FSM) transitionFromOpen(state State, input TransitionInput, result TransitionResult) TransitionResult {
	heldMin := result.HoldDays >= float64(m.rules.MinHoldDays)

	if heldMin && (input.Desired == SideFlat || input.Confidence < m.rules.ExitThreshold) {
		result.Action = ActionExit
		if input.Desired == SideFlat {
			result.Reason = ReasonDesiredFlat
		} else {
			result.Reason = ReasonBelowExitThreshold
		}
		result.To = m.closed(state, input.Now)
		return result
	}

	if input.Desired != SideFlat && input.Desired != state.Side {
		return m.attemptFlip(state, input, result)
	}

	if input.Desired == state.Side && input.Exposure > 0 {
		delta := math.Abs(input.Exposure - state.Size)
		if delta >= m.rules.ResizeMinDelta {
			if input.BlockEntries && clampSize(input.Exposure) > state.Size {
				result.Reason = ReasonEntriesFrozen
				return result
			}
			result.Action = ActionResize
			result.Reason = ReasonResizeDelta
			resized := state
			resized.Size = clampSize(input.Exposure)
			resized.UpdatedAt = input.Now
			result.To = resized
			return result
		}
	}

	return result
}

// attemptFlip applies the double round-trip cost penalty before comparing
// against the flip threshold: a flip is an implicit exit plus a fresh entry.
func (m *FSM) attemptFlip(state State, input TransitionInput, result TransitionResult) TransitionResult {
	if !m.rules.FlipAllowed {
		result.Reason = ReasonFlipsDisabled
		return result
	}
	if state.InCooldown(input.Now) {
		result.Reason = ReasonCooldownActive
		return result
	}
	if input.BlockEntries {
		result.Reason = ReasonEntriesFrozen
		return result
	}

	effective := input.Confidence - 2*m.rules.RoundTripCost
	if effective < m.rules.FlipThreshold {
		result.Reason = ReasonFlipBelowThreshold
		return result
	}
	if input.Exposure <= 0 {
		result.Reason = ReasonZeroExposure
		return result
	}

	result.Action = ActionFlip
	result.Reason = ReasonThresholdCrossed
	result.To = State{
		Symbol:        state.Symbol,
		Side:          input.Desired,
		Size:          clampSize(input.Exposure),
		EntryTime:     input.Now,
		EntryPrice:    input.Price,
		CooldownUntil: input.Now.AddDate(0, 0, m.rules.CooldownDays),
		UpdatedAt:     input.Now,
	}
	log.Info().
		Str("symbol", state.Symbol).
		Str("from", state.Side.String()).
		Str("to", input.Desired.String()).
		Float64("effective_confidence", effective).
		Msg("Position flipped")
	return result
}

// closed returns the flat state after an exit, with the cooldown started.
func (m *FSM) closed(state State, now time.Time) State {
	return State{
		Symbol:        state.Symbol,
		Side:          SideFlat,
		Size:          0,
		CooldownUntil: now.AddDate(0, 0, m.rules.CooldownDays),
		UpdatedAt:     now,
	}
}

func clampSize(size float64) float64 {
	if size < 0 {
		return 0
	}
	if size > 1 {
		return 1
	}
	return size
}
