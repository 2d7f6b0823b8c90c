package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/dataset"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/similarity"
)

// runProbe evaluates one symbol against fresh engine state. Nothing is
// persisted or cached; the point is to inspect the full decision with its
// diagnostics.
func runProbe(cmd *cobra.Command, args []string) error {
	symbol := strings.ToUpper(strings.TrimSpace(args[0]))

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	source := dataset.NewCSVSource(dataDir)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	series, err := source.Series(ctx, symbol)
	if err != nil {
		return err
	}

	windowSize := cfg.Pipeline.WindowSize
	if series.Len() < windowSize {
		return fmt.Errorf("series for %s has %d closes, window needs %d", symbol, series.Len(), windowSize)
	}
	window, err := similarity.NewPriceWindow(series.Closes[series.Len()-windowSize:])
	if err != nil {
		return fmt.Errorf("invalid window for %s: %w", symbol, err)
	}

	engine := kernel.NewEngine(cfg.Kernel)
	decision, err := engine.Evaluate(ctx, kernel.DecisionInput{
		Symbol:           symbol,
		Window:           window,
		History:          series,
		ReliabilityScore: 1.0,
	})
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(decision)
}
