package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/lifecycle"
	"github.com/courierhq/courier/internal/metrics"
)

// Sweeper bridges "a queued row exists in the store" and "a worker will
// eventually see it": a cron-driven sweep resubmits due queued rows to
// the broker, and a watchdog reclaims items stuck in processing. Runs on
// a single-owner schedule per deployment; the broker's per-notification
// enqueue guard makes an accidental second sweeper harmless.
type Sweeper struct {
	svc    *Service
	cron   *cron.Cron
	logger *zap.Logger

	sweepSpec    string
	watchdogSpec string
}

// SweeperConfig holds the cron schedules.
type SweeperConfig struct {
	// SweepSchedule drains due queued notifications. Default: every 30s.
	SweepSchedule string
	// WatchdogSchedule reclaims stuck processing items. Default: every minute.
	WatchdogSchedule string
}

// NewSweeper creates the periodic sweep scheduler.
func NewSweeper(svc *Service, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 30s"
	}
	if cfg.WatchdogSchedule == "" {
		cfg.WatchdogSchedule = "@every 1m"
	}
	return &Sweeper{
		svc:          svc,
		cron:         cron.New(),
		logger:       logger,
		sweepSpec:    cfg.SweepSchedule,
		watchdogSpec: cfg.WatchdogSchedule,
	}
}

// Start registers and launches the cron jobs.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.svc.DrainQueued(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.watchdogSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.svc.ReclaimStuck(ctx); err != nil {
			s.logger.Error("watchdog failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("sweeper started",
		zap.String("sweep", s.sweepSpec),
		zap.String("watchdog", s.watchdogSpec),
	)
	return nil
}

// Stop halts the schedules and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// DrainQueued releases scheduled notifications whose time has come, then
// scans the unscheduled queued backlog in descending priority urgency,
// submitting each to the broker. Enqueue is idempotent per notification
// id, so rows already in flight are suppressed rather than duplicated.
func (s *Service) DrainQueued(ctx context.Context) error {
	enqueued := 0

	due, err := s.store.GetScheduled(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, n := range due {
		if err := s.enqueue(ctx, n); err != nil {
			s.logger.Warn("scheduled release failed",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}
		enqueued++
	}

	for _, p := range []core.Priority{
		core.PriorityCritical, core.PriorityUrgent, core.PriorityHigh,
		core.PriorityNormal, core.PriorityLow,
	} {
		due, err := s.store.GetQueued(ctx, p, s.config.SweepBatchSize)
		if err != nil {
			return err
		}
		for _, n := range due {
			if err := s.enqueue(ctx, n); err != nil {
				s.logger.Warn("sweep enqueue failed",
					zap.Error(err),
					zap.String("notification_id", n.ID.String()),
				)
				continue
			}
			enqueued++
		}
	}

	if enqueued > 0 {
		metrics.RecordSweepEnqueued(enqueued)
		s.logger.Debug("sweep complete", zap.Int("enqueued", enqueued))
	}

	if m, err := s.broker.Metrics(ctx); err == nil {
		metrics.SetQueueDepth(m.Waiting)
	}

	return nil
}

// ReclaimStuck forces processing -> queued (or failed once attempts are
// exhausted) for items whose attempt exceeded its timeout without a
// recorded outcome. An item stuck in processing forever is a bug, not a
// state.
func (s *Service) ReclaimStuck(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.StuckAfter)
	stuck, err := s.store.GetStuckProcessing(ctx, cutoff)
	if err != nil {
		return err
	}

	reclaimed := 0
	for _, n := range stuck {
		change, err := lifecycle.ResolveFailure(n, time.Now().UTC())
		if err != nil {
			s.logger.Error("watchdog transition rejected",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}
		if err := s.commit(ctx, n, change); err != nil {
			// A worker recorded the real outcome first; nothing to
			// reclaim and no ledger entry to write.
			s.logger.Warn("watchdog commit lost race",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
			continue
		}

		entry := &core.NotificationError{
			NotificationID: n.ID,
			Channel:        n.Channel,
			Message:        "attempt timed out without outcome, reclaimed by watchdog",
			Code:           "watchdog_timeout",
			Retryable:      change.To == core.StatusQueued,
		}
		if err := s.store.AddError(ctx, entry); err != nil {
			s.logger.Error("failed to record watchdog ledger entry",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
		}
		reclaimed++

		s.logger.Warn("reclaimed stuck notification",
			zap.String("notification_id", n.ID.String()),
			zap.String("new_status", change.To.String()),
			zap.Int("attempts", change.Attempts),
		)
	}

	if reclaimed > 0 {
		metrics.RecordWatchdogReclaimed(reclaimed)
	}
	return nil
}
