// Package cron provides scheduled housekeeping jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FACorreiaa/payee-enrichment/pkg/storage"
)

// Scheduler runs the recurring maintenance jobs: sweeping expired temp
// uploads off disk.
type Scheduler struct {
	cron      *cron.Cron
	files     storage.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewScheduler creates the maintenance scheduler. retention is how long a
// previewed-but-unprocessed upload is kept.
func NewScheduler(files storage.Store, retention time.Duration, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	return &Scheduler{
		cron:      c,
		files:     files,
		retention: retention,
		logger:    logger,
	}
}

// Start registers the jobs and begins the schedule. The upload sweep runs
// hourly; uploads normally live minutes between preview and process, so the
// sweep only catches abandoned ones.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 * * * *", s.sweepUploads); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
	)
	return nil
}

// Stop gracefully stops the schedule; the returned context is done when any
// running job has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("maintenance scheduler stopping")
	return s.cron.Stop()
}

// RunNow triggers the upload sweep immediately.
func (s *Scheduler) RunNow() {
	go s.sweepUploads()
}

func (s *Scheduler) sweepUploads() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := s.files.Sweep(ctx, s.retention)
	if err != nil {
		s.logger.Error("upload sweep failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.logger.Info("expired uploads removed", slog.Int("count", removed))
	}
}
