package di

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/config"
)

// evolutionBatchSize is how many strategies one evolution cycle touches.
const evolutionBatchSize = 50

// RegisterJobs builds the calendar job schedule: local backups, database
// maintenance, cloud backup rotation, and the hourly evolution cycle. The
// tier evaluation cadence lives in the scheduler service, not here.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*cron.Cron, error) {
	jobLog := log.With().Str("component", "jobs").Logger()
	c := cron.New()

	type job struct {
		schedule string
		name     string
		run      func() error
	}

	jobs := []job{
		{"0 * * * *", "hourly_backup", container.Backups.HourlyBackup},
		{"15 2 * * *", "daily_backup", container.Backups.DailyBackup},
		{"30 2 * * 0", "weekly_backup", container.Backups.WeeklyBackup},
		{"0 4 * * *", "daily_maintenance", container.Maintenance.Daily},
		{"45 4 * * 0", "weekly_maintenance", container.Maintenance.Weekly},
		{"@every 1h", "evolution_cycle", func() error {
			return container.EvolutionService.RunCycle(evolutionBatchSize)
		}},
	}

	if container.CloudBackup != nil {
		jobs = append(jobs, job{"0 3 * * *", "cloud_backup", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := container.CloudBackup.CreateAndUpload(ctx); err != nil {
				return err
			}
			return container.CloudBackup.RotateOldBackups(ctx, cfg.Backup.RetentionDays)
		}})
	}

	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.schedule, func() {
			start := time.Now()
			if err := j.run(); err != nil {
				jobLog.Error().Err(err).Str("job", j.name).Msg("Scheduled job failed")
				return
			}
			jobLog.Info().Str("job", j.name).Dur("duration", time.Since(start)).Msg("Scheduled job completed")
		}); err != nil {
			return nil, fmt.Errorf("failed to register job %s: %w", j.name, err)
		}
	}

	return c, nil
}
