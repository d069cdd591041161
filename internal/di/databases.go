package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/config"
	"github.com/aristath/darwin/internal/database"
)

// InitializeDatabases opens all 5 databases and applies schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	open := func(name string, profile database.DatabaseProfile) (*database.DB, error) {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to initialize %s database: %w", name, err)
		}
		return db, nil
	}

	var err error

	// registry.db - strategy population
	if container.RegistryDB, err = open("registry", database.ProfileStandard); err != nil {
		return nil, err
	}

	// ledger.db - immutable signals and trades, maximum safety
	if container.LedgerDB, err = open("ledger", database.ProfileLedger); err != nil {
		return nil, err
	}

	// config.db - runtime settings
	if container.ConfigDB, err = open("config", database.ProfileStandard); err != nil {
		return nil, err
	}

	// events.db - evolution event log, append-heavy
	if container.EventsDB, err = open("events", database.ProfileCache); err != nil {
		return nil, err
	}

	// history.db - candle history
	if container.HistoryDB, err = open("history", database.ProfileStandard); err != nil {
		return nil, err
	}

	// Apply schemas (single source of truth per database name)
	for name, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to apply schema to %s: %w", name, err)
		}
	}

	log.Info().Msg("All databases initialized and schemas applied")

	return container, nil
}
