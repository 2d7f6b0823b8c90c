package tune

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/similarity"
)

// HarvestConfig shapes the walk-forward harvest over a price series.
type HarvestConfig struct {
	WindowSize int // live window length at each cut
	Horizon    int // settle horizon in periods
	Stride     int // closes between consecutive cuts
}

// DefaultHarvestConfig returns the production harvest settings.
func DefaultHarvestConfig() HarvestConfig {
	return HarvestConfig{
		WindowSize: 45,
		Horizon:    30,
		Stride:     5,
	}
}

// Validate reports every configuration violation.
func (c HarvestConfig) Validate() []string {
	var problems []string
	if c.WindowSize < 2 {
		problems = append(problems, fmt.Sprintf("window_size %d must be at least 2", c.WindowSize))
	}
	if c.Horizon < 1 {
		problems = append(problems, fmt.Sprintf("horizon %d must be at least 1", c.Horizon))
	}
	if c.Stride < 1 {
		problems = append(problems, fmt.Sprintf("stride %d must be at least 1", c.Stride))
	}
	return problems
}

type pendingOutcome struct {
	maturesAt     int // close index at which the forward return is known
	rawConfidence float64
	correct       bool
}

// Harvest walks a series chronologically: at each cut it evaluates a
// decision on the closes visible at that point, then settles it against the
// return the next Horizon closes delivered. Matured outcomes feed the
// engine's calibration before later cuts see them, the way live settlement
// would, so calibrated confidence evolves across the walk instead of
// staying cold. Neutral decisions settle nothing; blocked decisions still
// settle, because the harvest measures forecast quality, not execution.
//
// The engine's positions and calibration state mutate during the walk.
// Callers pass a dedicated engine, never the live one.
func Harvest(ctx context.Context, engine *kernel.Engine, symbol string, series *similarity.PriceSeries, cfg HarvestConfig) ([]Outcome, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid harvest config: %s", problems[0])
	}
	if engine == nil {
		return nil, fmt.Errorf("harvest requires a decision engine")
	}
	if series == nil || series.Len() < cfg.WindowSize+cfg.Horizon {
		have := 0
		if series != nil {
			have = series.Len()
		}
		return nil, fmt.Errorf("series for %s has %d closes, harvest needs at least %d", symbol, have, cfg.WindowSize+cfg.Horizon)
	}

	var queue []pendingOutcome
	var outcomes []Outcome
	cuts := 0
	for cut := cfg.WindowSize - 1; cut+cfg.Horizon < series.Len(); cut += cfg.Stride {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for len(queue) > 0 && queue[0].maturesAt <= cut {
			settled := queue[0]
			queue = queue[1:]
			engine.RecordOutcome(symbol, cfg.Horizon, settled.rawConfidence, settled.correct)
		}

		window, err := series.Window(cut-cfg.WindowSize+1, cut)
		if err != nil {
			return nil, fmt.Errorf("harvest window at close %d: %w", cut, err)
		}
		visible, err := similarity.NewPriceSeries(series.Closes[:cut+1], datesUpTo(series, cut))
		if err != nil {
			return nil, fmt.Errorf("harvest history at close %d: %w", cut, err)
		}

		input := kernel.DecisionInput{
			Symbol:           symbol,
			Window:           window,
			History:          visible,
			Horizons:         []int{cfg.Horizon},
			ReliabilityScore: 1.0,
		}
		if series.Dates != nil {
			input.Now = series.Dates[cut]
		}
		result, err := engine.Evaluate(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("harvest evaluation at close %d: %w", cut, err)
		}
		cuts++
		if result.Direction == "NEUTRAL" {
			continue
		}

		forward, ok := series.ForwardReturn(cut, cfg.Horizon)
		if !ok {
			break
		}
		outcome := Outcome{
			Symbol:        symbol,
			Direction:     result.Direction,
			Confidence:    result.AdjustedConfidence,
			Matches:       result.Diagnostics.MatchCount,
			ForwardReturn: forward,
			EvaluatedAt:   result.EvaluatedAt,
		}
		outcomes = append(outcomes, outcome)
		queue = append(queue, pendingOutcome{
			maturesAt:     cut + cfg.Horizon,
			rawConfidence: result.RawConfidence,
			correct:       outcome.Correct(),
		})
	}

	log.Info().
		Str("symbol", symbol).
		Int("cuts", cuts).
		Int("outcomes", len(outcomes)).
		Int("horizon", cfg.Horizon).
		Msg("Harvest complete")
	return outcomes, nil
}

func datesUpTo(series *similarity.PriceSeries, cut int) []time.Time {
	if series.Dates == nil {
		return nil
	}
	return series.Dates[:cut+1]
}
