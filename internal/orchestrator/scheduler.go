package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// SchedulerConfig holds the backup schedule.
type SchedulerConfig struct {
	// Cron is a five-field cron expression, e.g. "0 2 * * *".
	Cron string
	// Timezone the expression is evaluated in. Empty means UTC.
	Timezone string
	// Retain is how many scheduled backups to keep. Zero keeps all.
	Retain int
}

// Scheduler takes backups on a cron schedule and prunes old ones.
type Scheduler struct {
	svc    *Service
	logger *slog.Logger
	cfg    SchedulerConfig
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and returns a stopped scheduler.
func NewScheduler(svc *Service, logger *slog.Logger, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if _, err := CronNextTime(cfg.Cron, cfg.Timezone, time.Now()); err != nil {
		return nil, err
	}
	return &Scheduler{svc: svc, logger: logger, cfg: cfg, now: time.Now}, nil
}

// Start launches the schedule loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("backup scheduler started", "cron", s.cfg.Cron, "timezone", s.cfg.Timezone, "retain", s.cfg.Retain)
}

// Stop signals the loop to stop and waits for a running backup to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("backup scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next, err := CronNextTime(s.cfg.Cron, s.cfg.Timezone, s.now())
		if err != nil {
			s.logger.Error("failed to compute next backup time", "cron", s.cfg.Cron, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick takes one scheduled backup and prunes the oldest beyond Retain.
func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.svc.createCompleteBackup(ctx, BackupScheduled, "scheduled backup")
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled backup failed", "error", err)
		return
	}
	s.logger.Info("scheduled backup created", "id", res.Backup.ID, "size", res.Backup.SizeBytes)

	if s.cfg.Retain <= 0 {
		return
	}
	backups, err := s.svc.ListBackups(ctx)
	if err != nil {
		s.logger.Error("failed to list backups for pruning", "error", err)
		return
	}
	kept := 0
	for _, b := range backups {
		if b.Kind != BackupScheduled {
			continue
		}
		kept++
		if kept <= s.cfg.Retain {
			continue
		}
		if err := s.svc.DeleteBackup(ctx, b.ID); err != nil {
			s.logger.Error("failed to prune backup", "id", b.ID, "error", err)
			continue
		}
		s.logger.Info("pruned scheduled backup", "id", b.ID)
	}
}

// CronNextTime computes the next run time for a cron expression after refTime in the given timezone.
func CronNextTime(cronExpr, tz string, refTime time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	gron := gronx.New()
	if !gron.IsValid(cronExpr) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", cronExpr)
	}

	next, err := gronx.NextTickAfter(cronExpr, refTime.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute next tick for %q: %w", cronExpr, err)
	}
	return next.UTC(), nil
}
