// Package pipeline orchestrates decision sweeps: it loads persisted state,
// fans symbol evaluations out across workers, and persists what changed.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/position"
	"github.com/sawpanic/forecastrun/internal/reliability"
	"github.com/sawpanic/forecastrun/internal/similarity"
	"github.com/sawpanic/forecastrun/internal/snapshot"
)

// DataSource supplies the full price history for a symbol, oldest first.
type DataSource interface {
	Series(ctx context.Context, symbol string) (*similarity.PriceSeries, error)
}

// ReliabilitySource supplies the upstream health score in [0, 1] for a
// symbol. A sweep with no source assumes healthy upstreams.
type ReliabilitySource interface {
	Score(ctx context.Context, symbol string) (float64, error)
}

// Config holds sweep orchestration settings.
type Config struct {
	Symbols        []string      `yaml:"symbols"`          // universe to evaluate
	WindowSize     int           `yaml:"window_size"`      // live window length in periods
	Workers        int           `yaml:"workers"`          // parallel evaluations
	RequestsPerSec float64       `yaml:"requests_per_sec"` // data source pacing
	Burst          int           `yaml:"burst"`            // data source burst allowance
	SweepInterval  time.Duration `yaml:"sweep_interval"`   // spacing between periodic sweeps
}

// DefaultConfig returns the production sweep settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:     45,
		Workers:        4,
		RequestsPerSec: 5,
		Burst:          2,
		SweepInterval:  time.Hour,
	}
}

// Validate reports every configuration violation.
func (c Config) Validate() []string {
	var problems []string
	if len(c.Symbols) == 0 {
		problems = append(problems, "at least one symbol is required")
	}
	if c.WindowSize < 2 {
		problems = append(problems, fmt.Sprintf("window_size %d must be at least 2", c.WindowSize))
	}
	if c.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers %d must be at least 1", c.Workers))
	}
	if c.RequestsPerSec <= 0 {
		problems = append(problems, fmt.Sprintf("requests_per_sec %.2f must be positive", c.RequestsPerSec))
	}
	if c.Burst < 1 {
		problems = append(problems, fmt.Sprintf("burst %d must be at least 1", c.Burst))
	}
	return problems
}

// Deps are the collaborators a runner wires together. Engine and Source are
// required; everything else degrades gracefully when absent.
type Deps struct {
	Engine      *kernel.Engine
	Source      DataSource
	Reliability ReliabilitySource  // nil assumes score 1.0
	Stores      persistence.Stores // nil members skip persistence
	Snapshots   snapshot.Store     // nil skips decision caching
	Metrics     *metrics.Registry  // nil skips instrumentation
}

// Runner executes decision sweeps over the configured universe.
type Runner struct {
	config  Config
	engine  *kernel.Engine
	source  DataSource
	relSrc  ReliabilitySource
	stores  persistence.Stores
	snaps   snapshot.Store
	metrics *metrics.Registry
	limiter *rate.Limiter
}

// NewRunner creates a sweep runner.
func NewRunner(config Config, deps Deps) (*Runner, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("runner requires a decision engine")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("runner requires a data source")
	}
	if config.WindowSize < 2 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.Workers < 1 {
		config.Workers = DefaultConfig().Workers
	}
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = DefaultConfig().RequestsPerSec
	}
	if config.Burst < 1 {
		config.Burst = DefaultConfig().Burst
	}

	return &Runner{
		config:  config,
		engine:  deps.Engine,
		source:  deps.Source,
		relSrc:  deps.Reliability,
		stores:  deps.Stores,
		snaps:   deps.Snapshots,
		metrics: deps.Metrics,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
	}, nil
}

// Warm loads persisted positions and calibration trackers into the engine.
// Run it once before the first sweep.
func (r *Runner) Warm(ctx context.Context) error {
	var positions, trackers int

	if r.stores.Positions != nil {
		states, err := r.stores.Positions.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to load positions: %w", err)
		}
		for _, state := range states {
			r.engine.SeedPosition(state)
			positions++
		}
	}

	if r.stores.Calibration != nil {
		snaps, err := r.stores.Calibration.ListSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("failed to load calibration snapshots: %w", err)
		}
		for _, snap := range snaps {
			if err := r.engine.Calibration().Restore(snap); err != nil {
				log.Warn().
					Err(err).
					Str("symbol", snap.Symbol).
					Int("horizon_days", snap.HorizonDays).
					Msg("Skipping incompatible calibration snapshot")
				continue
			}
			trackers++
		}
	}

	log.Info().
		Int("positions", positions).
		Int("calibration_trackers", trackers).
		Msg("Engine state warmed from storage")
	return nil
}

// SweepResult summarizes one sweep over the universe.
type SweepResult struct {
	Started       time.Time                `json:"started"`
	Finished      time.Time                `json:"finished"`
	PolicyVersion int                      `json:"policy_version,omitempty"`
	Evaluated     int                      `json:"evaluated"`
	Failed        int                      `json:"failed"`
	Blocked       int                      `json:"blocked"`
	Degraded      int                      `json:"degraded"`
	Decisions     []*kernel.DecisionResult `json:"decisions"`
	Errors        map[string]string        `json:"errors,omitempty"`
}

// Sweep evaluates every configured symbol once, persists the resulting
// state, and returns the per-symbol outcomes.
func (r *Runner) Sweep(ctx context.Context) (*SweepResult, error) {
	if len(r.config.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols configured")
	}
	if r.metrics != nil {
		r.metrics.SweepStarted()
		defer r.metrics.SweepFinished()
	}

	result := &SweepResult{
		Started: time.Now(),
		Errors:  make(map[string]string),
	}

	doc := r.currentPolicy(ctx)
	if doc != nil {
		result.PolicyVersion = doc.Version
	}

	workers := r.config.Workers
	if workers > len(r.config.Symbols) {
		workers = len(r.config.Symbols)
	}

	jobs := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				decision, err := r.evaluateSymbol(ctx, symbol, doc)

				mu.Lock()
				if err != nil {
					result.Failed++
					result.Errors[symbol] = err.Error()
				} else {
					result.Evaluated++
					if decision.Blocked {
						result.Blocked++
					}
					if decision.Diagnostics.Degraded {
						result.Degraded++
					}
					result.Decisions = append(result.Decisions, decision)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, symbol := range r.config.Symbols {
		select {
		case jobs <- symbol:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(result.Decisions, func(i, j int) bool {
		return result.Decisions[i].Symbol < result.Decisions[j].Symbol
	})

	r.persistState(ctx)
	if r.metrics != nil {
		r.metrics.SetOpenPositions(r.openPositionCount())
	}

	result.Finished = time.Now()
	log.Info().
		Int("evaluated", result.Evaluated).
		Int("failed", result.Failed).
		Int("blocked", result.Blocked).
		Int("degraded", result.Degraded).
		Dur("elapsed", result.Finished.Sub(result.Started)).
		Msg("Sweep complete")

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// Run executes an immediate sweep and repeats on the configured interval
// until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	interval := r.config.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}

	log.Info().
		Dur("interval", interval).
		Int("symbols", len(r.config.Symbols)).
		Msg("Starting sweep loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Sweep failed")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping sweep loop")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

// currentPolicy loads the live policy document. A missing or unreachable
// store falls back to configured defaults rather than stopping the sweep.
func (r *Runner) currentPolicy(ctx context.Context) *governance.PolicyDocument {
	if r.stores.Policies == nil {
		return nil
	}
	doc, err := r.stores.Policies.CurrentDocument(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Policy document unavailable, sweeping on configured defaults")
		return nil
	}
	return doc
}

func (r *Runner) evaluateSymbol(ctx context.Context, symbol string, doc *governance.PolicyDocument) (*kernel.DecisionResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var timer *metrics.CycleTimer
	if r.metrics != nil {
		timer = r.metrics.StartCycleTimer(symbol)
	}

	decision, err := r.runCycle(ctx, symbol, doc)
	if timer != nil {
		if err != nil {
			timer.Stop("error")
		} else {
			timer.Stop("success")
		}
	}
	return decision, err
}

func (r *Runner) runCycle(ctx context.Context, symbol string, doc *governance.PolicyDocument) (*kernel.DecisionResult, error) {
	series, err := r.source.Series(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load series for %s: %w", symbol, err)
	}
	if series == nil || len(series.Closes) < r.config.WindowSize {
		got := 0
		if series != nil {
			got = len(series.Closes)
		}
		return nil, fmt.Errorf("series for %s has %d closes, window needs %d", symbol, got, r.config.WindowSize)
	}

	window, err := similarity.NewPriceWindow(series.Closes[len(series.Closes)-r.config.WindowSize:])
	if err != nil {
		return nil, fmt.Errorf("invalid window for %s: %w", symbol, err)
	}

	score := 1.0
	if r.relSrc != nil {
		// No health assessment means no decision: a made-up score would
		// defeat the reliability gate.
		score, err = r.relSrc.Score(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("reliability score unavailable for %s: %w", symbol, err)
		}
	}

	prev, hadPrev := r.engine.ReliabilityState(symbol)

	decision, err := r.engine.Evaluate(ctx, kernel.DecisionInput{
		Symbol:           symbol,
		Window:           window,
		History:          series,
		Policy:           doc,
		ReliabilityScore: score,
	})
	if err != nil {
		return nil, err
	}

	r.record(decision, prev, hadPrev)

	if r.snaps != nil {
		if err := r.snaps.Put(ctx, decision); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache decision snapshot")
		}
	}
	return decision, nil
}

// record translates one decision into metrics.
func (r *Runner) record(decision *kernel.DecisionResult, prev reliability.State, hadPrev bool) {
	if r.metrics == nil {
		return
	}

	diag := decision.Diagnostics
	r.metrics.RecordDecision(decision.Symbol, decision.Direction, diag.RegimeKey, decision.AdjustedConfidence, diag.FallbackUsed)
	r.metrics.RecordCalibration(decision.Symbol, strconv.Itoa(diag.DominantHorizon), diag.ECE, diag.EffectiveN)
	if diag.Degraded {
		r.metrics.RecordInsufficientMatches(decision.Symbol)
	}
	if decision.Blocked {
		r.metrics.RecordBlockedSignal(decision.BlockReason)
	}

	// Count freeze starts, not every blocked cycle inside the window.
	if curr, ok := r.engine.ReliabilityState(decision.Symbol); ok {
		wasActive := hadPrev && prev.FrozenAt(decision.EvaluatedAt)
		if curr.FrozenAt(decision.EvaluatedAt) && !wasActive {
			scope := "entries"
			if curr.FrozenBy == reliability.ActionFreezeAll {
				scope = "all"
			}
			r.metrics.RecordFreeze(scope)
		}
	}
}

// persistState writes positions and calibration trackers back to storage.
// Persistence failures degrade to warnings; the sweep result stands.
func (r *Runner) persistState(ctx context.Context) {
	if r.stores.Positions != nil {
		for _, state := range r.engine.Positions() {
			if err := r.stores.Positions.Save(ctx, state); err != nil {
				log.Warn().Err(err).Str("symbol", state.Symbol).Msg("Failed to persist position state")
			}
		}
	}

	if r.stores.Calibration != nil {
		for _, snap := range r.engine.Calibration().Snapshots() {
			if err := r.stores.Calibration.SaveSnapshot(ctx, snap); err != nil {
				log.Warn().
					Err(err).
					Str("symbol", snap.Symbol).
					Int("horizon_days", snap.HorizonDays).
					Msg("Failed to persist calibration tracker")
			}
		}
	}
}

func (r *Runner) openPositionCount() int {
	count := 0
	for _, state := range r.engine.Positions() {
		if state.Side != position.SideFlat {
			count++
		}
	}
	return count
}
