// Package main is the entry point for the Darwin autonomous trading
// platform. It evolves a population of trading strategies across four
// tiers, promotes survivors toward real execution, and exposes an HTTP
// control surface for inspection and tuning.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/darwin/internal/config"
	"github.com/aristath/darwin/internal/di"
	"github.com/aristath/darwin/internal/server"
	"github.com/aristath/darwin/pkg/logger"
)

// backfillBars is how much candle history is fetched per symbol on boot.
// Enough for the longest indicator lookback plus the shadow backtester.
const backfillBars = 500

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Bool("paper", cfg.PaperTrading).Msg("Starting Darwin")

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Exchange credentials stored through the control surface take
	// precedence over the environment.
	if err := cfg.UpdateFromSettings(container.SettingsService.Repo()); err != nil {
		log.Warn().Err(err).Msg("Failed to update config from settings, using environment values")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Candle history before anything evaluates; a cold start with no bars
	// would starve every indicator.
	backfillCtx, backfillCancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := container.Gateway.Backfill(backfillCtx, cfg.Symbols, []string{cfg.Timeframe}, backfillBars); err != nil {
		log.Warn().Err(err).Msg("Candle backfill incomplete, evaluations start once data arrives")
	}
	backfillCancel()

	if err := container.TickerFeed.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Ticker feed failed to start")
	}

	// Position monitor enforces stop-loss, take-profit, and max holding.
	go container.Monitor.Run(ctx, 15*time.Second, container.SettingsService.Load)

	if err := container.Scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	jobs.Start()
	log.Info().Msg("Background jobs scheduled")

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		DataDir:     cfg.DataDir,
		Databases:   container.Databases(),
		Bus:         container.Bus,
		EventLog:    container.EventLog,
		Registry:    container.RegistryRepo,
		Trades:      container.TradeRepo,
		Monitor:     container.Monitor,
		Settings:    container.SettingsService,
		Scheduler:   container.Scheduler,
		Evolution:   container.EvolutionService,
		Rebalancer:  container.Rebalancer,
		Maintenance: container.Maintenance,
		CloudBackup: container.CloudBackup,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop intake first, then drain: cron jobs, scheduler workers, feed,
	// and finally the HTTP server.
	jobsCtx := jobs.Stop()
	container.Scheduler.Stop()
	container.TickerFeed.Stop()
	cancel()

	select {
	case <-jobsCtx.Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Timed out waiting for running jobs")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Darwin stopped")
}
