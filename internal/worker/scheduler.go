package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/sla"
)

// Sweeper re-derives SLA status for open cases.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (sla.SweepResult, error)
}

// AutoCloser closes Resolved cases past their grace period.
type AutoCloser interface {
	AutoClose(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs the periodic maintenance jobs.
type Scheduler struct {
	sweeper  Sweeper
	closer   AutoCloser
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewScheduler builds a scheduler; either job may be nil.
func NewScheduler(sweeper Sweeper, closer AutoCloser, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		closer:   closer,
		logger:   logger.Named("scheduler"),
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs every job once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	if s.sweeper != nil {
		result, err := s.sweeper.Sweep(ctx, now)
		if err != nil {
			s.logger.Warn("sla sweep incomplete", zap.Error(err))
		}
		if result.Changed > 0 {
			s.logger.Info("sla sweep",
				zap.Int("scanned", result.Scanned),
				zap.Int("changed", result.Changed),
				zap.Int("breached", result.Breached))
		}
	}
	if s.closer != nil {
		if _, err := s.closer.AutoClose(ctx, now); err != nil {
			s.logger.Warn("auto-close incomplete", zap.Error(err))
		}
	}
}
