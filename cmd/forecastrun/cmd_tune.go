package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/dataset"
	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/tune"
)

// runTune harvests walk-forward outcomes from local price history, searches
// the bounded parameter space for improving deltas, and optionally submits
// them as a simulated "tuner" proposal for governance review.
func runTune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	source := dataset.NewCSVSource(dataDir)
	if err := resolveUniverse(cmd, cfg, source); err != nil {
		return err
	}

	horizon, _ := cmd.Flags().GetInt("horizon")
	stride, _ := cmd.Flags().GetInt("stride")
	harvestCfg := tune.HarvestConfig{
		WindowSize: cfg.Pipeline.WindowSize,
		Horizon:    horizon,
		Stride:     stride,
	}

	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	doc, err := stores.Policies.CurrentDocument(ctx)
	if err != nil {
		return fmt.Errorf("failed to load current policy: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("no policy document is installed")
	}

	engine := kernel.NewEngine(cfg.Kernel)
	var outcomes []tune.Outcome
	for _, symbol := range cfg.Pipeline.Symbols {
		series, err := source.Series(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping symbol, series unavailable")
			continue
		}
		harvested, err := tune.Harvest(ctx, engine, symbol, series, harvestCfg)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping symbol, harvest failed")
			continue
		}
		outcomes = append(outcomes, harvested...)
	}

	replayer, err := tune.NewReplayer(outcomes, doc.Params, nil)
	if err != nil {
		return fmt.Errorf("nothing to replay: %w", err)
	}
	suggestion, err := tune.NewTuner(replayer, tune.Objective{}).Suggest(ctx)
	if err != nil {
		return fmt.Errorf("tuner search failed: %w", err)
	}

	fmt.Printf("Replayed %d settled outcomes under policy v%d\n", replayer.SampleSize(), doc.Version)
	fmt.Printf("  hit rate %.3f, rank correlation %.3f, acted %d, score %.4f (baseline %.4f)\n",
		suggestion.HitRate, suggestion.RankCorrelation, suggestion.SampleSize,
		suggestion.Score, suggestion.BaselineScore)
	if len(suggestion.Deltas) == 0 {
		fmt.Println("Current parameters already score best; nothing to propose.")
		return nil
	}

	names := make([]string, 0, len(suggestion.Deltas))
	for name := range suggestion.Deltas {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("Suggested deltas:")
	for _, name := range names {
		fmt.Printf("  %-28s %+.4f\n", name, suggestion.Deltas[name])
	}

	if propose, _ := cmd.Flags().GetBool("propose"); !propose {
		fmt.Println("Re-run with --propose to submit these deltas for governance review.")
		return nil
	}

	scope, _ := cmd.Flags().GetString("scope")
	gov := governance.NewEngine(stores.Policies, nil, replayer, cfg.Governance)
	proposal, err := gov.Propose(ctx, scope, "tuner", suggestion.Deltas)
	if err != nil {
		return fmt.Errorf("proposal failed: %w", err)
	}
	fmt.Printf("Proposal %s recorded (status=%s, verdict=%s)\n", proposal.ID, proposal.Status, proposal.Verdict)
	if proposal.Notes != "" {
		fmt.Printf("  %s\n", proposal.Notes)
	}
	return nil
}
