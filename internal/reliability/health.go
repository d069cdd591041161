package reliability

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/database"
)

// DatabaseHealthService monitors one database and performs auto-recovery:
// integrity check, then WAL recovery, then restore from the newest backup.
type DatabaseHealthService struct {
	db      *database.DB
	name    string
	path    string
	backups *BackupService
	log     zerolog.Logger
}

// NewDatabaseHealthService creates a new database health service
func NewDatabaseHealthService(db *database.DB, name, path string, backups *BackupService, log zerolog.Logger) *DatabaseHealthService {
	return &DatabaseHealthService{
		db:      db,
		name:    name,
		path:    path,
		backups: backups,
		log:     log.With().Str("service", "health").Str("database", name).Logger(),
	}
}

// DB returns the current database handle. Recovery replaces the
// connection, so callers must not cache the result.
func (s *DatabaseHealthService) DB() *database.DB {
	return s.db
}

// CheckAndRecover performs a health check and escalating auto-recovery.
func (s *DatabaseHealthService) CheckAndRecover() error {
	s.log.Debug().Msg("Starting health check")

	if err := s.checkIntegrity(); err != nil {
		s.log.Error().Err(err).Msg("Integrity check failed")

		if err := s.attemptWALRecovery(); err != nil {
			s.log.Error().Err(err).Msg("WAL recovery failed")
			return s.restoreFromBackup()
		}

		if err := s.checkIntegrity(); err != nil {
			s.log.Error().Err(err).Msg("Integrity check failed after WAL recovery")
			return s.restoreFromBackup()
		}

		s.log.Info().Msg("Database recovered via WAL recovery")
	}

	s.log.Debug().Msg("Health check complete")
	return nil
}

// checkIntegrity runs PRAGMA integrity_check
func (s *DatabaseHealthService) checkIntegrity() error {
	var result string
	if err := s.db.Conn().QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// attemptWALRecovery replays and resets the WAL, then reopens the
// connection. A torn WAL frame is the most common corruption and this
// clears it without touching backups.
func (s *DatabaseHealthService) attemptWALRecovery() error {
	s.log.Warn().Msg("Attempting WAL recovery")

	if err := s.db.WALCheckpoint("RESTART"); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}

	if err := s.reopen(); err != nil {
		return err
	}

	s.log.Info().Msg("WAL recovery completed")
	return nil
}

// restoreFromBackup replaces the database file with the most recent
// backup. The corrupted file is kept beside it for investigation.
func (s *DatabaseHealthService) restoreFromBackup() error {
	s.log.Warn().Msg("Attempting restore from backup")

	backup, err := s.backups.FindBackup(s.name)
	if err != nil {
		return fmt.Errorf("CRITICAL: no backup found for %s: %w", s.name, err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	corruptedPath := s.path + ".corrupted." + time.Now().Format("20060102_150405")
	if err := os.Rename(s.path, corruptedPath); err != nil {
		s.log.Error().Err(err).Msg("Failed to set aside corrupted file")
	} else {
		s.log.Info().Str("path", corruptedPath).Msg("Corrupted file set aside")
	}

	if err := CopyFile(backup, s.path); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	if err := s.reopenFresh(); err != nil {
		return err
	}

	if err := s.checkIntegrity(); err != nil {
		return fmt.Errorf("restored backup is also corrupt: %w", err)
	}

	s.log.Info().Str("backup", backup).Msg("Successfully restored from backup")
	return nil
}

// reopen closes and reopens the current connection.
func (s *DatabaseHealthService) reopen() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return s.reopenFresh()
}

func (s *DatabaseHealthService) reopenFresh() error {
	newDB, err := database.New(database.Config{
		Path:    s.path,
		Profile: s.db.Profile(),
		Name:    s.name,
	})
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.db = newDB
	return nil
}

// Metrics holds database health metrics for the status surface.
type Metrics struct {
	Name                 string
	SizeMB               float64
	WALSizeMB            float64
	LastIntegrityCheck   time.Time
	IntegrityCheckPassed bool
}

// GetMetrics returns current database metrics
func (s *DatabaseHealthService) GetMetrics() (*Metrics, error) {
	metrics := &Metrics{Name: s.name}

	if info, err := os.Stat(s.path); err == nil {
		metrics.SizeMB = float64(info.Size()) / 1024 / 1024
	}
	if info, err := os.Stat(s.path + "-wal"); err == nil {
		metrics.WALSizeMB = float64(info.Size()) / 1024 / 1024
	}

	var result string
	if err := s.db.Conn().QueryRow("PRAGMA integrity_check").Scan(&result); err == nil {
		metrics.IntegrityCheckPassed = result == "ok"
		metrics.LastIntegrityCheck = time.Now()
	}

	return metrics, nil
}

// CopyFile copies a file from src to dst.
func CopyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0644)
}
