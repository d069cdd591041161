// Package di wires the application object graph: databases, repositories,
// services, and the background job schedule.
package di

import (
	"github.com/aristath/darwin/internal/clients/exchange"
	"github.com/aristath/darwin/internal/database"
	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/evolution"
	"github.com/aristath/darwin/internal/modules/marketdata"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/scoring"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/strategies"
	"github.com/aristath/darwin/internal/modules/trading"
	"github.com/aristath/darwin/internal/reliability"
	"github.com/aristath/darwin/internal/scheduler"
)

// Container holds all application dependencies. Created by Wire and passed
// to main for server construction and lifecycle management.
type Container struct {
	// Databases (5-database architecture)
	RegistryDB *database.DB // strategy population, parameters, metrics
	LedgerDB   *database.DB // immutable signals and trades
	ConfigDB   *database.DB // runtime settings
	EventsDB   *database.DB // evolution event log
	HistoryDB  *database.DB // candle history

	// Events
	Bus      *events.Bus
	EventLog *events.Repository

	// Repositories
	RegistryRepo *registry.Repository
	TradeRepo    *trading.Repository
	CandleRepo   *marketdata.CandleRepository

	// Settings
	SettingsService *settings.Service

	// Exchange connectivity. Exchange is the paper exchange or the live
	// client depending on configuration; the ticker feed runs either way.
	ExchangeClient *exchange.Client
	TickerFeed     *exchange.TickerFeed
	Exchange       domain.Exchange

	// Market data
	Gateway *marketdata.Gateway

	// Trading pipeline
	Engine     *strategies.Engine
	Classifier *trading.Classifier
	Simulator  *trading.Simulator
	Monitor    *trading.Monitor
	Executor   *trading.Executor

	// Scoring and evolution
	ScoringService   *scoring.Service
	Backtester       *evolution.Backtester
	EvolutionService *evolution.Service

	// Scheduler
	Queues     *scheduler.TierQueues
	Pool       *scheduler.Pool
	Pipeline   *scheduler.Pipeline
	Rebalancer *scheduler.Rebalancer
	Scheduler  *scheduler.Service

	// Reliability
	Backups     *reliability.BackupService
	Health      map[string]*reliability.DatabaseHealthService
	Maintenance *reliability.Maintenance
	CloudBackup *reliability.CloudBackupService // nil unless backup bucket configured
}

// Databases returns all databases keyed by name.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"registry": c.RegistryDB,
		"ledger":   c.LedgerDB,
		"config":   c.ConfigDB,
		"events":   c.EventsDB,
		"history":  c.HistoryDB,
	}
}

// Close closes every open database. Safe on a partially built container.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.RegistryDB, c.LedgerDB, c.ConfigDB, c.EventsDB, c.HistoryDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}
