package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/config"
	"github.com/sawpanic/forecastrun/internal/dataset"
	"github.com/sawpanic/forecastrun/internal/infrastructure/db"
	"github.com/sawpanic/forecastrun/internal/persistence"
	"github.com/sawpanic/forecastrun/internal/snapshot"
)

// loadConfig reads the file named by the persistent --config flag,
// falling back to production defaults when the flag is empty.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// resolveUniverse settles the sweep universe: an explicit --symbols flag
// wins, then the config file, then every series file under the data dir.
func resolveUniverse(cmd *cobra.Command, cfg *config.Config, source *dataset.CSVSource) error {
	if raw, _ := cmd.Flags().GetString("symbols"); raw != "" {
		cfg.Pipeline.Symbols = splitSymbols(raw)
	}
	if len(cfg.Pipeline.Symbols) > 0 {
		return nil
	}

	symbols, err := source.Symbols()
	if err != nil {
		return fmt.Errorf("failed to discover universe: %w", err)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured and no series files found")
	}
	cfg.Pipeline.Symbols = symbols
	log.Info().Int("symbols", len(symbols)).Msg("Universe discovered from series files")
	return nil
}

// openStores wires PostgreSQL-backed stores when the database is enabled
// and falls back to in-memory stores otherwise. The closer is safe to
// call in both cases.
func openStores(cfg *config.Config) (persistence.Stores, persistence.HealthChecker, func() error, error) {
	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return persistence.Stores{}, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if s := manager.Stores(); s != nil {
		log.Info().Msg("Using PostgreSQL persistence")
		return *s, manager.Health(), manager.Close, nil
	}

	log.Warn().Msg("Database persistence disabled, state will not survive this process")
	stores := persistence.Stores{
		Calibration: persistence.NewMemoryCalibrationStore(),
		Positions:   persistence.NewMemoryPositionStore(),
		Policies:    persistence.NewMemoryPolicyStore(nil),
	}
	return stores, manager.Health(), manager.Close, nil
}

// openSnapshots wires the Redis decision cache when enabled, otherwise an
// in-process cache so the ops surface still serves reads.
func openSnapshots(cfg *config.Config) snapshot.Store {
	if cfg.Snapshots.Enabled {
		return snapshot.NewRedisStore(cfg.Snapshots)
	}
	return snapshot.NewMemoryStore(cfg.Snapshots.TTL)
}

// validateConfig turns accumulated violations into one actionable error.
func validateConfig(cfg *config.Config) error {
	problems := cfg.Validate()
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			symbols = append(symbols, strings.ToUpper(trimmed))
		}
	}
	return symbols
}
