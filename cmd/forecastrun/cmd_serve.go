package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/forecastrun/internal/dataset"
	httpserver "github.com/sawpanic/forecastrun/internal/interfaces/http"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/metrics"
	"github.com/sawpanic/forecastrun/internal/pipeline"
)

func runServe(cmd *cobra.Command, args []string) error {
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

	stores, health, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	snaps := openSnapshots(cfg)
	defer snaps.Close()

	registry := metrics.NewRegistry()
	engine := kernel.NewEngine(cfg.Kernel)
	runner, err := pipeline.NewRunner(cfg.Pipeline, pipeline.Deps{
		Engine:    engine,
		Source:    source,
		Stores:    stores,
		Snapshots: snaps,
		Metrics:   registry,
	})
	if err != nil {
		return err
	}

	server, err := httpserver.NewServer(cfg.Server, httpserver.Deps{
		Engine:    engine,
		Snapshots: snaps,
		Policies:  stores.Policies,
		Metrics:   registry,
		Storage:   health,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Warm(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go runner.Run(ctx)

	log.Info().
		Str("app", appName).
		Str("version", version).
		Str("addr", server.Address()).
		Int("symbols", len(cfg.Pipeline.Symbols)).
		Msg("Service started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
