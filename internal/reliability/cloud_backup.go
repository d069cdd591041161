package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const cloudArchivePrefix = "darwin-backup-"

// CloudBackupService archives all databases into a tar.gz and uploads it
// to the configured object store.
type CloudBackupService struct {
	store   *ObjectStore
	backups *BackupService
	dataDir string
	log     zerolog.Logger
}

// ArchiveMetadata describes a backup archive's contents.
type ArchiveMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes a single database inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one stored archive.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewCloudBackupService creates a new cloud backup service
func NewCloudBackupService(store *ObjectStore, backups *BackupService, dataDir string, log zerolog.Logger) *CloudBackupService {
	return &CloudBackupService{
		store:   store,
		backups: backups,
		dataDir: dataDir,
		log:     log.With().Str("service", "cloud_backup").Logger(),
	}
}

// CreateAndUpload snapshots every database, packs them with a metadata
// manifest into a tar.gz, and uploads the archive.
func (s *CloudBackupService) CreateAndUpload(ctx context.Context) error {
	s.log.Info().Msg("Starting cloud backup")
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "cloud-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	dbNames := s.backups.DatabaseNames()
	metadata := ArchiveMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(dbNames)),
	}

	for _, dbName := range dbNames {
		dbPath := filepath.Join(stagingDir, dbName+".db")

		if err := s.backups.BackupDatabase(dbName, dbPath); err != nil {
			return fmt.Errorf("failed to backup %s: %w", dbName, err)
		}

		info, err := os.Stat(dbPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s backup: %w", dbName, err)
		}

		checksum, err := checksumFile(dbPath)
		if err != nil {
			return fmt.Errorf("failed to calculate checksum for %s: %w", dbName, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      dbName,
			Filename:  dbName + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s%s.tar.gz", cloudArchivePrefix, time.Now().Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)

	files := make([]string, 0, len(dbNames)+1)
	for _, name := range dbNames {
		files = append(files, name+".db")
	}
	files = append(files, "backup-metadata.json")

	if err := createArchive(archivePath, stagingDir, files); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_mb", archiveInfo.Size()/1024/1024).
		Msg("Cloud backup completed successfully")
	return nil
}

// ListBackups lists stored archives, newest first.
func (s *CloudBackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, cloudArchivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cloud backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}

		filename := *obj.Key
		if !strings.HasPrefix(filename, cloudArchivePrefix) || !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(filename, cloudArchivePrefix), ".tar.gz")
		timestamp, err := time.Parse("2006-01-02-150405", timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Failed to parse timestamp from filename")
			continue
		}

		var sizeBytes int64
		if obj.Size != nil {
			sizeBytes = *obj.Size
		}

		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives older than the retention period.
// The newest three are always kept, and retention 0 keeps everything.
func (s *CloudBackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	s.log.Info().Int("retention_days", retentionDays).Msg("Starting cloud backup rotation")

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	const minBackupsToKeep = 3
	if len(backups) <= minBackupsToKeep || retentionDays == 0 {
		s.log.Info().Int("count", len(backups)).Msg("Nothing to rotate")
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0

	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}

		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}

		s.log.Info().
			Str("filename", backup.Filename).
			Time("timestamp", backup.Timestamp).
			Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Cloud backup rotation completed")
	return nil
}

// checksumFile returns the SHA256 digest of a file.
func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive packs the named files from sourceDir into a tar.gz.
func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}
