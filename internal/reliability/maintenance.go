package reliability

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/darwin/internal/database"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/marketdata"
	"github.com/aristath/darwin/internal/modules/settings"
)

// candleRetentionDays bounds history.db growth. Backtests only ever look
// back min_sim_days (single digits), so 90 days leaves ample headroom.
const candleRetentionDays = 90

// Maintenance runs the scheduled upkeep passes: integrity checks with
// auto-recovery, WAL checkpoints, retention enforcement, VACUUM, and a
// disk space guard.
type Maintenance struct {
	databases map[string]*database.DB
	health    map[string]*DatabaseHealthService
	eventLog  *events.Repository
	candles   *marketdata.CandleRepository
	settings  *settings.Service
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenance creates a new maintenance service
func NewMaintenance(
	databases map[string]*database.DB,
	health map[string]*DatabaseHealthService,
	eventLog *events.Repository,
	candles *marketdata.CandleRepository,
	settingsSvc *settings.Service,
	dataDir string,
	log zerolog.Logger,
) *Maintenance {
	return &Maintenance{
		databases: databases,
		health:    health,
		eventLog:  eventLog,
		candles:   candles,
		settings:  settingsSvc,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Daily runs the daily upkeep pass. A corrupt database that cannot be
// recovered halts the pass; everything else degrades to a warning.
func (m *Maintenance) Daily() error {
	m.log.Info().Msg("Starting daily maintenance")
	start := time.Now()

	for name, health := range m.health {
		m.log.Debug().Str("database", name).Msg("Running integrity check")
		if err := health.CheckAndRecover(); err != nil {
			m.log.Error().Str("database", name).Err(err).Msg("CRITICAL: Failed to recover database")
			return fmt.Errorf("CRITICAL: failed to recover %s: %w", name, err)
		}
	}

	for name, db := range m.databases {
		m.log.Debug().Str("database", name).Msg("Running WAL checkpoint")
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Warn().Str("database", name).Err(err).Msg("WAL checkpoint failed")
			// Not critical - the autocheckpoint will catch up
		}
	}

	if err := m.enforceRetention(); err != nil {
		m.log.Warn().Err(err).Msg("Retention enforcement failed")
	}

	if err := m.checkDiskSpace(); err != nil {
		return err // HALT if critical
	}

	m.reportMetrics()

	m.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Daily maintenance completed successfully")
	return nil
}

// Weekly runs VACUUM on the churn-heavy databases. The ledger is
// append-only and never vacuumed.
func (m *Maintenance) Weekly() error {
	m.log.Info().Msg("Starting weekly maintenance")
	start := time.Now()

	for name, db := range m.databases {
		if name == "ledger" {
			m.log.Debug().Str("database", name).Msg("Skipping VACUUM for append-only ledger")
			continue
		}

		m.log.Info().Str("database", name).Msg("Running VACUUM")
		if err := m.vacuumDatabase(db, name); err != nil {
			m.log.Error().Str("database", name).Err(err).Msg("VACUUM failed")
			// Continue with other databases
		}
	}

	m.log.Info().
		Dur("duration_ms", time.Since(start)).
		Msg("Weekly maintenance completed successfully")
	return nil
}

// enforceRetention compacts the evolution log per the configured bounds
// and prunes candles past the retention horizon.
func (m *Maintenance) enforceRetention() error {
	tuning, err := m.settings.Load()
	if err != nil {
		return fmt.Errorf("failed to load tuning for retention: %w", err)
	}

	removed, err := m.eventLog.Compact(tuning.EventLogMaxRows, tuning.EventLogMaxAge)
	if err != nil {
		return fmt.Errorf("failed to compact evolution log: %w", err)
	}
	if removed > 0 {
		m.log.Info().Int64("removed", removed).Msg("Evolution log compacted")
	}

	cutoff := time.Now().AddDate(0, 0, -candleRetentionDays)
	pruned, err := m.candles.PruneBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune candles: %w", err)
	}
	if pruned > 0 {
		m.log.Info().Int64("removed", pruned).Msg("Old candles pruned")
	}

	return nil
}

// checkDiskSpace halts the system when free space drops below 500MB;
// a trading ledger that cannot fsync is worse than a stopped trader.
func (m *Maintenance) checkDiskSpace() error {
	usage, err := disk.Usage(m.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	m.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	switch {
	case availableGB < 0.5:
		m.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space - halting")
		return fmt.Errorf("CRITICAL: only %.2f GB free - system halted", availableGB)
	case availableGB < 5.0:
		m.log.Error().
			Float64("available_gb", availableGB).
			Msg("Low disk space - consider cleanup")
	case availableGB < 10.0:
		m.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}

	return nil
}

// vacuumDatabase runs VACUUM and logs the space reclaimed.
func (m *Maintenance) vacuumDatabase(db *database.DB, name string) error {
	before, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read stats before VACUUM: %w", err)
	}

	if err := db.Vacuum(); err != nil {
		return err
	}

	after, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read stats after VACUUM: %w", err)
	}

	sizeBefore := float64(before.PageCount*before.PageSize) / 1024 / 1024
	sizeAfter := float64(after.PageCount*after.PageSize) / 1024 / 1024

	m.log.Info().
		Str("database", name).
		Float64("size_before_mb", sizeBefore).
		Float64("size_after_mb", sizeAfter).
		Float64("space_reclaimed_mb", sizeBefore-sizeAfter).
		Msg("VACUUM completed")
	return nil
}

// reportMetrics logs size and WAL metrics for each database.
func (m *Maintenance) reportMetrics() {
	for name, health := range m.health {
		metrics, err := health.GetMetrics()
		if err != nil {
			m.log.Error().Str("database", name).Err(err).Msg("Failed to get metrics")
			continue
		}

		m.log.Info().
			Str("database", name).
			Float64("size_mb", metrics.SizeMB).
			Float64("wal_size_mb", metrics.WALSizeMB).
			Msg("Database metrics")
	}
}
