package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "ForecastRun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// Pretty console output on a terminal, raw JSON lines when piped.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "forecastrun",
		Short:   "Analog-based forecast decision engine",
		Version: version,
		Long: `ForecastRun turns price history into position decisions: it matches the
live window against historical analogs, classifies the market regime,
blends per-horizon outcomes under a confidence budget, calibrates the
result against realized accuracy, and runs it through reliability gates
and a position lifecycle machine.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Config YAML path (production defaults apply when omitted)")

	sweepCmd := &cobra.Command{
		Use:     "sweep",
		Aliases: []string{"scan"},
		Short:   "Run one decision sweep over the universe",
		Long:    "Evaluates every configured symbol once, persists the resulting state, and prints the outcomes",
		RunE:    runSweep,
	}
	sweepCmd.Flags().String("data-dir", "data", "Directory holding <SYMBOL>.csv series files")
	sweepCmd.Flags().String("symbols", "", "Comma-separated universe override (defaults to every series file)")
	sweepCmd.Flags().Bool("json", false, "Print the full sweep result as JSON")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run periodic sweeps with the HTTP ops surface",
		Long:  "Sweeps the universe on the configured interval and serves /health, /metrics, decisions, positions, and policy reads until interrupted",
		RunE:  runServe,
	}
	serveCmd.Flags().String("data-dir", "data", "Directory holding <SYMBOL>.csv series files")
	serveCmd.Flags().String("symbols", "", "Comma-separated universe override (defaults to every series file)")

	probeCmd := &cobra.Command{
		Use:   "probe [symbol]",
		Short: "Evaluate one symbol end to end",
		Long:  "Runs a single decision cycle against fresh state and prints the full result with diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE:  runProbe,
	}
	probeCmd.Flags().String("data-dir", "data", "Directory holding <SYMBOL>.csv series files")

	tuneCmd := &cobra.Command{
		Use:   "tune",
		Short: "Search for policy parameter improvements",
		Long: "Harvests walk-forward decisions from local series files, settles them against\n" +
			"realized returns, and searches the bounded parameter space for deltas that\n" +
			"improve the replay objective; --propose submits the result as a tuner proposal",
		RunE: runTune,
	}
	tuneCmd.Flags().String("data-dir", "data", "Directory holding <SYMBOL>.csv series files")
	tuneCmd.Flags().String("symbols", "", "Comma-separated universe override (defaults to every series file)")
	tuneCmd.Flags().Int("horizon", 30, "Settle horizon in closes")
	tuneCmd.Flags().Int("stride", 5, "Closes between harvest cuts")
	tuneCmd.Flags().Bool("propose", false, "Submit the suggested deltas as a governance proposal")
	tuneCmd.Flags().String("scope", "kernel", "Proposal scope")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long:  "Loads the config file, applies environment overrides, and reports every violation",
		RunE:  runValidate,
	}

	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(tuneCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
