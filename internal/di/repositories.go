package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/marketdata"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/trading"
)

// InitializeRepositories creates the data access layer over the open
// databases and seeds default settings.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	container.RegistryRepo = registry.NewRepository(container.RegistryDB.Conn(), log)
	container.TradeRepo = trading.NewRepository(container.LedgerDB.Conn(), log)
	container.CandleRepo = marketdata.NewCandleRepository(container.HistoryDB.Conn(), log)
	container.EventLog = events.NewRepository(container.EventsDB.Conn(), log)

	settingsRepo := settings.NewRepository(container.ConfigDB.Conn(), log)
	container.SettingsService = settings.NewService(settingsRepo, log)
	if err := container.SettingsService.SeedDefaults(); err != nil {
		return fmt.Errorf("failed to seed default settings: %w", err)
	}

	log.Info().Msg("Repositories initialized")
	return nil
}
