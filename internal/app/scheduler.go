/**
 * @description
 * Cron scheduler setup for the maintenance jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/RayIwobi/Ecom-backend/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.RedriveSchedule, s.jobs.RedriveNotifications); err != nil {
		s.logger.Error("failed to schedule notification re-drive job", "error", err)
	} else {
		s.logger.Info("scheduled notification re-drive job", "schedule", s.config.RedriveSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.PurgeSchedule, s.jobs.PurgeExpired); err != nil {
		s.logger.Error("failed to schedule purge job", "error", err)
	} else {
		s.logger.Info("scheduled purge job", "schedule", s.config.PurgeSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
