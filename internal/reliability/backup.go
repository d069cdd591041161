// Package reliability keeps the five databases healthy and recoverable:
// tiered local backups, integrity checks with auto-recovery, cloud backup
// archives, and scheduled maintenance (WAL checkpoints, VACUUM, retention).
package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/database"
)

// BackupService manages tiered local backups: hourly for the ledger,
// daily and weekly for everything.
type BackupService struct {
	databases map[string]*database.DB
	backupDir string
	log       zerolog.Logger
}

// NewBackupService creates a new backup service
func NewBackupService(databases map[string]*database.DB, backupDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// DatabaseNames returns the managed database names, sorted for stable output.
func (s *BackupService) DatabaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HourlyBackup snapshots ledger.db only. The ledger is the money trail;
// everything else can tolerate a day of loss. Keeps the last 24 hours.
func (s *BackupService) HourlyBackup() error {
	s.log.Info().Msg("Starting hourly backup")
	start := time.Now()

	hourlyDir := filepath.Join(s.backupDir, "hourly")
	if err := os.MkdirAll(hourlyDir, 0755); err != nil {
		return fmt.Errorf("failed to create hourly backup directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15")
	backupPath := filepath.Join(hourlyDir, fmt.Sprintf("ledger_%s.db", timestamp))

	if err := s.BackupDatabase("ledger", backupPath); err != nil {
		return fmt.Errorf("failed to backup ledger.db: %w", err)
	}

	if err := s.verifyBackup(backupPath); err != nil {
		os.Remove(backupPath)
		return fmt.Errorf("backup verification failed: %w", err)
	}

	if err := s.rotateHourlyBackups(hourlyDir); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate hourly backups")
		// Don't fail - backup succeeded
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_path", backupPath).
		Msg("Hourly backup completed successfully")
	return nil
}

// DailyBackup snapshots every database into a dated directory.
// Keeps the last 30 days.
func (s *BackupService) DailyBackup() error {
	s.log.Info().Msg("Starting daily backup")
	start := time.Now()

	date := time.Now().Format("2006-01-02")
	dailyDir := filepath.Join(s.backupDir, "daily", date)
	if err := os.MkdirAll(dailyDir, 0755); err != nil {
		return fmt.Errorf("failed to create daily backup directory: %w", err)
	}

	s.backupAll(dailyDir)

	if err := s.rotateDatedDirs(filepath.Join(s.backupDir, "daily"), "2006-01-02", time.Now().AddDate(0, 0, -30)); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate daily backups")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_dir", dailyDir).
		Msg("Daily backup completed successfully")
	return nil
}

// WeeklyBackup snapshots every database into an ISO-week directory.
// Keeps the last 12 weeks.
func (s *BackupService) WeeklyBackup() error {
	s.log.Info().Msg("Starting weekly backup")
	start := time.Now()

	year, week := time.Now().ISOWeek()
	weekDir := filepath.Join(s.backupDir, "weekly", fmt.Sprintf("%04d-W%02d", year, week))
	if err := os.MkdirAll(weekDir, 0755); err != nil {
		return fmt.Errorf("failed to create weekly backup directory: %w", err)
	}

	s.backupAll(weekDir)

	if err := s.rotateByModTime(filepath.Join(s.backupDir, "weekly"), time.Now().AddDate(0, 0, -12*7)); err != nil {
		s.log.Error().Err(err).Msg("Failed to rotate weekly backups")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("backup_dir", weekDir).
		Msg("Weekly backup completed successfully")
	return nil
}

// backupAll snapshots and verifies each database into dir. Per-database
// failures are logged and skipped so one bad database does not block the
// others.
func (s *BackupService) backupAll(dir string) {
	for _, name := range s.DatabaseNames() {
		backupPath := filepath.Join(dir, name+".db")

		if err := s.BackupDatabase(name, backupPath); err != nil {
			s.log.Error().Str("database", name).Err(err).Msg("Failed to backup database")
			continue
		}

		if err := s.verifyBackup(backupPath); err != nil {
			s.log.Error().Str("database", name).Err(err).Msg("Backup verification failed")
			os.Remove(backupPath)
		}
	}
}

// BackupDatabase snapshots a single database with SQLite's VACUUM INTO,
// which produces an atomic, WAL-free, defragmented copy.
func (s *BackupService) BackupDatabase(name, backupPath string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}

	s.log.Debug().
		Str("database", name).
		Str("backup_path", backupPath).
		Msg("Backing up database")

	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}

	s.log.Debug().
		Str("database", name).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Msg("Backup created")
	return nil
}

// verifyBackup opens the backup and runs an integrity check.
func (s *BackupService) verifyBackup(backupPath string) error {
	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// rotateHourlyBackups deletes hourly files older than 24 hours.
func (s *BackupService) rotateHourlyBackups(hourlyDir string) error {
	cutoff := time.Now().Add(-24 * time.Hour)

	entries, err := os.ReadDir(hourlyDir)
	if err != nil {
		return fmt.Errorf("failed to read hourly backup directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(hourlyDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.log.Warn().Str("path", path).Err(err).Msg("Failed to delete old hourly backup")
			} else {
				s.log.Debug().Str("path", path).Msg("Deleted old hourly backup")
			}
		}
	}
	return nil
}

// rotateDatedDirs deletes subdirectories whose name parses with layout
// to a date before cutoff.
func (s *BackupService) rotateDatedDirs(baseDir, layout string, cutoff time.Time) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory %s: %w", baseDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirDate, err := time.Parse(layout, entry.Name())
		if err != nil {
			s.log.Warn().Str("dir", entry.Name()).Msg("Failed to parse date from directory name")
			continue
		}
		if dirDate.Before(cutoff) {
			path := filepath.Join(baseDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn().Str("path", path).Err(err).Msg("Failed to delete old backup")
			} else {
				s.log.Debug().Str("path", path).Msg("Deleted old backup")
			}
		}
	}
	return nil
}

// rotateByModTime deletes subdirectories last modified before cutoff.
// Week directory names (2026-W34) don't parse as dates, so mod time
// stands in for the backup time.
func (s *BackupService) rotateByModTime(baseDir string, cutoff time.Time) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory %s: %w", baseDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(baseDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn().Str("path", path).Err(err).Msg("Failed to delete old backup")
			} else {
				s.log.Debug().Str("path", path).Msg("Deleted old backup")
			}
		}
	}
	return nil
}

// FindBackup returns the most recent local backup for a database,
// searching hourly (ledger only), then daily, then weekly.
func (s *BackupService) FindBackup(name string) (string, error) {
	s.log.Warn().Str("database", name).Msg("Searching for backup to restore")

	if name == "ledger" {
		if path := s.findMostRecent(filepath.Join(s.backupDir, "hourly"), "", "ledger_*.db"); path != "" {
			s.log.Info().Str("backup", path).Msg("Found hourly backup")
			return path, nil
		}
	}

	for _, tier := range []string{"daily", "weekly"} {
		if path := s.findMostRecent(filepath.Join(s.backupDir, tier), name+".db", ""); path != "" {
			s.log.Info().Str("backup", path).Str("tier", tier).Msg("Found backup")
			return path, nil
		}
	}

	return "", fmt.Errorf("no backup found for %s", name)
}

// findMostRecent walks baseDir for the newest file matching either the
// exact filename or the glob pattern.
func (s *BackupService) findMostRecent(baseDir, filename, pattern string) string {
	var mostRecent string
	var mostRecentTime time.Time

	if err := filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}

		match := false
		if pattern != "" {
			match, _ = filepath.Match(pattern, filepath.Base(path))
		} else {
			match = filepath.Base(path) == filename
		}

		if match && info.ModTime().After(mostRecentTime) {
			mostRecent = path
			mostRecentTime = info.ModTime()
		}
		return nil
	}); err != nil {
		s.log.Warn().Err(err).Str("base_dir", baseDir).Msg("Error walking backup directory")
	}

	return mostRecent
}
