package di

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/clients/exchange"
	"github.com/aristath/darwin/internal/config"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/evolution"
	"github.com/aristath/darwin/internal/modules/marketdata"
	"github.com/aristath/darwin/internal/modules/scoring"
	"github.com/aristath/darwin/internal/modules/strategies"
	"github.com/aristath/darwin/internal/modules/trading"
	"github.com/aristath/darwin/internal/reliability"
	"github.com/aristath/darwin/internal/scheduler"
)

// paperSeedBalance is the quote-currency balance the paper exchange starts
// with on a fresh data directory.
var paperSeedBalance = decimal.NewFromInt(10000)

// scoreRefresher adapts the scoring service to the pipeline's interface,
// dropping the Result the pipeline has no use for.
type scoreRefresher struct {
	svc *scoring.Service
}

func (s scoreRefresher) Recompute(strategyID string) error {
	_, err := s.svc.Recompute(strategyID)
	return err
}

// InitializeServices builds the business logic layer on top of the
// repositories. Paper mode swaps the live exchange client for the
// in-process paper exchange; everything downstream is identical.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	tuning, err := container.SettingsService.Load()
	if err != nil {
		return fmt.Errorf("failed to load tuning settings: %w", err)
	}

	barInterval, err := time.ParseDuration(cfg.Timeframe)
	if err != nil {
		return fmt.Errorf("invalid timeframe %q: %w", cfg.Timeframe, err)
	}

	// Events
	container.Bus = events.NewBus(log)
	events.RegisterRecorder(container.Bus, container.EventLog, log)

	// Exchange REST client doubles as the gateway's candle/backfill source.
	container.ExchangeClient = exchange.NewClient(exchange.ClientConfig{
		BaseURL:     cfg.ExchangeBaseURL,
		APIKey:      cfg.ExchangeAPIKey,
		APISecret:   cfg.ExchangeAPISecret,
		QueryBurst:  tuning.ExchangeBurst,
		QueryPerSec: tuning.ExchangePerSec,
	}, log)

	container.Gateway = marketdata.NewGateway(container.ExchangeClient, container.CandleRepo, container.Bus, 0, log)

	// Quotes stream in regardless of mode; paper trading only swaps the
	// order execution side.
	container.TickerFeed = exchange.NewTickerFeed(cfg.ExchangeWSURL, cfg.Symbols, container.Gateway.SetQuote, log)

	if cfg.PaperTrading {
		container.Exchange = exchange.NewPaperExchange(
			container.Gateway,
			tuning.SlippageBps,
			tuning.FeeRate,
			map[string]decimal.Decimal{"USD": paperSeedBalance},
			log,
		)
		log.Info().Msg("Paper trading enabled, orders stay in-process")
	} else {
		container.Exchange = container.ExchangeClient
	}

	// Trading pipeline
	container.Classifier = trading.NewClassifier(log)
	container.Simulator = trading.NewSimulator(container.Gateway, container.TradeRepo, log)
	container.Monitor = trading.NewMonitor(container.Exchange, container.Gateway, container.TradeRepo, container.Bus, log)
	container.Executor = trading.NewExecutor(
		container.Exchange,
		container.Gateway,
		container.TradeRepo,
		container.Simulator,
		container.Classifier,
		container.Monitor,
		container.Bus,
		log,
	)

	// Scoring
	container.ScoringService = scoring.NewService(container.TradeRepo, container.RegistryRepo, container.SettingsService, container.Bus, log)

	// Signal engine and evaluation pipeline
	container.Engine = strategies.NewEngine(container.Gateway, strategies.EngineConfig{
		Timeframe:   cfg.Timeframe,
		FeeRate:     tuning.FeeRate,
		MaxQuoteAge: tuning.MaxAge,
	}, log)
	container.Pipeline = scheduler.NewPipeline(
		container.RegistryRepo,
		container.Engine,
		container.Executor,
		scoreRefresher{svc: container.ScoringService},
		container.SettingsService,
		log,
	)

	// Scheduler
	container.Queues = scheduler.NewTierQueues(0, log)
	container.Pool = scheduler.NewPool(container.Queues, container.Pipeline, scheduler.PoolConfig{
		MaxRetries: tuning.MaxEvalRetries,
	}, log)
	container.Rebalancer = scheduler.NewRebalancer(container.RegistryRepo, container.TradeRepo, container.SettingsService, container.Bus, log)
	container.Scheduler = scheduler.New(
		container.RegistryRepo,
		container.Queues,
		container.Pool,
		container.Rebalancer,
		scoreRefresher{svc: container.ScoringService},
		container.SettingsService,
		container.Bus,
		scheduler.Config{BarInterval: barInterval},
		log,
	)

	// Evolution
	container.Backtester = evolution.NewBacktester(evolution.BacktesterConfig{
		Timeframe: cfg.Timeframe,
		FeeRate:   tuning.FeeRate,
	}, log)
	container.EvolutionService = evolution.NewService(
		container.RegistryRepo,
		container.TradeRepo,
		container.Gateway,
		container.Backtester,
		container.SettingsService,
		container.Bus,
		evolution.ServiceConfig{Timeframe: cfg.Timeframe, Symbols: cfg.Symbols},
		log,
	)
	// Parameter commits under live validation stay off the real path.
	container.Classifier.SetValidationHold(container.EvolutionService)

	// Reliability
	databases := container.Databases()
	container.Backups = reliability.NewBackupService(databases, filepath.Join(cfg.DataDir, "backups"), log)
	container.Health = make(map[string]*reliability.DatabaseHealthService, len(databases))
	for name, db := range databases {
		container.Health[name] = reliability.NewDatabaseHealthService(db, name, db.Path(), container.Backups, log)
	}
	container.Maintenance = reliability.NewMaintenance(
		databases,
		container.Health,
		container.EventLog,
		container.CandleRepo,
		container.SettingsService,
		cfg.DataDir,
		log,
	)

	if cfg.Backup.Enabled() {
		store, err := reliability.NewObjectStore(reliability.ObjectStoreConfig{
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
			Bucket:          cfg.Backup.Bucket,
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize object store, cloud backup disabled")
		} else {
			container.CloudBackup = reliability.NewCloudBackupService(store, container.Backups, cfg.DataDir, log)
			log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Cloud backup enabled")
		}
	}

	log.Info().Msg("Services initialized")
	return nil
}
