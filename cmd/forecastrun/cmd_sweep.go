package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/dataset"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/pipeline"
)

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	source := dataset.NewCSVSource(dataDir)
	if err := resolveUniverse(cmd, cfg, source); err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	stores, _, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	snaps := openSnapshots(cfg)
	defer snaps.Close()

	engine := kernel.NewEngine(cfg.Kernel)
	runner, err := pipeline.NewRunner(cfg.Pipeline, pipeline.Deps{
		Engine:    engine,
		Source:    source,
		Stores:    stores,
		Snapshots: snaps,
		Metrics:   metrics.NewRegistry(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	if err := runner.Warm(ctx); err != nil {
		return err
	}

	result, err := runner.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printSweepSummary(result)
	return nil
}

func printSweepSummary(result *pipeline.SweepResult) {
	if result.PolicyVersion > 0 {
		fmt.Printf("Sweep complete under policy v%d: %d evaluated, %d failed, %d blocked, %d degraded\n",
			result.PolicyVersion, result.Evaluated, result.Failed, result.Blocked, result.Degraded)
	} else {
		fmt.Printf("Sweep complete: %d evaluated, %d failed, %d blocked, %d degraded\n",
			result.Evaluated, result.Failed, result.Blocked, result.Degraded)
	}

	for _, decision := range result.Decisions {
		note := decision.Transition.Reason
		if decision.Blocked {
			note = "blocked: " + decision.BlockReason
		}
		fmt.Printf("  %-10s %-7s conf=%.2f regime=%-6s %s (%s)\n",
			decision.Symbol,
			decision.Direction,
			decision.AdjustedConfidence,
			decision.Diagnostics.RegimeKey,
			decision.Transition.Action,
			note)
	}

	if len(result.Errors) > 0 {
		symbols := make([]string, 0, len(result.Errors))
		for symbol := range result.Errors {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			fmt.Printf("  %-10s FAILED %s\n", symbol, result.Errors[symbol])
		}
	}
}
