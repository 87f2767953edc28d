// Package scheduler runs the background snapshot refresher that keeps
// restore points fresh between sync operations.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
)

// refreshTimeout bounds one scheduled snapshot run
const refreshTimeout = 30 * time.Minute

// RunningChecker reports whether a sync operation currently holds the
// exclusive slot. The refresher never snapshots while a sync runs; the
// executor owns the instances for the duration of an operation.
type RunningChecker interface {
	Running() bool
}

// Scheduler refreshes instance snapshots on a cron schedule
type Scheduler struct {
	pair    *gateway.Pair
	cfg     *config.Config
	checker RunningChecker
	logger  *zap.Logger
	cron    *cron.Cron
}

// New creates the snapshot refresher
func New(pair *gateway.Pair, cfg *config.Config, checker RunningChecker, log *zap.Logger) *Scheduler {
	return &Scheduler{
		pair:    pair,
		cfg:     cfg,
		checker: checker,
		logger:  log.Named("scheduler"),
	}
}

// Start registers the refresh job and starts the cron loop
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Scheduler.Schedule, s.refresh); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Snapshot refresher started",
		zap.String("schedule", s.cfg.Scheduler.Schedule))
	return nil
}

// Stop halts the cron loop and waits for a running refresh to finish
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Snapshot refresher stopped")
}

func (s *Scheduler) refresh() {
	if s.checker != nil && s.checker.Running() {
		s.logger.Info("Skipping scheduled snapshot; a sync operation is running")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	for _, g := range []gateway.Gateway{s.pair.Local, s.pair.Remote} {
		if g == nil {
			continue
		}
		start := time.Now()
		path, err := gateway.WriteSnapshot(ctx, g, s.cfg.Sync.SnapshotDir, nil)
		if err != nil {
			s.logger.Error("Scheduled snapshot failed",
				zap.String("instance", g.Label()),
				zap.Error(err))
			continue
		}
		s.logger.Info("Scheduled snapshot written",
			zap.String("instance", g.Label()),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)))
	}
}
