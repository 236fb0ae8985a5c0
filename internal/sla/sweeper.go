package sla

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/observability"
	"github.com/spec-kit/caseflow/internal/repository"
)

// SweepResult summarizes one pass.
type SweepResult struct {
	Scanned  int
	Changed  int
	Breached int
}

// Sweeper re-derives the stored SLA status of open cases and raises
// SlaBreached for every flip to breached.
type Sweeper struct {
	store      repository.CaseStore
	engine     *Engine
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	attempts   int
	batch      int
}

// SweeperDependencies wires the sweeper.
type SweeperDependencies struct {
	Store          repository.CaseStore
	Engine         *Engine
	Dispatcher     events.Dispatcher
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	UpdateAttempts int
	BatchSize      int
}

// NewSweeper constructs a sweeper.
func NewSweeper(deps SweeperDependencies) *Sweeper {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:      deps.Store,
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		logger:     logger.Named("sla_sweeper"),
		metrics:    deps.Metrics,
		attempts:   deps.UpdateAttempts,
		batch:      deps.BatchSize,
	}
}

// Sweep runs one pass at now. Per-case failures are logged and joined into
// the returned error; the pass continues.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	cases, err := s.store.ListByStatus(ctx, domain.OpenCaseStatuses, s.batch)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, c := range cases {
		result.Scanned++
		if s.engine.Derive(c, now) == c.SLA.Status {
			continue
		}

		var (
			previous domain.SLAStatus
			next     domain.SLAStatus
			changed  bool
		)
		updated, err := repository.UpdateWithRetry(ctx, s.store, c.ID, s.attempts, func(cur *domain.Case) error {
			previous, changed = s.engine.Refresh(cur, now)
			next = cur.SLA.Status
			if !changed {
				return nil
			}
			cur.Record(domain.TimelineEvent{
				ID:        uuid.NewString(),
				Kind:      domain.TimelineSLAChanged,
				Actor:     domain.ActorSLA,
				Timestamp: now,
				Details:   map[string]string{"from": string(previous), "to": string(next)},
			})
			return nil
		})
		if err != nil {
			s.logger.Warn("sla refresh failed", zap.String("case_id", c.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		result.Changed++
		s.metrics.RecordSLAChange(string(next))
		s.logger.Info("sla status changed",
			zap.String("case_id", updated.ID),
			zap.String("from", string(previous)),
			zap.String("to", string(next)))

		if next == domain.SLABreached {
			result.Breached++
			if err := events.PublishAll(ctx, s.dispatcher, events.NewSlaBreached(updated, now)); err != nil {
				s.logger.Warn("sla breach handlers failed", zap.String("case_id", updated.ID), zap.Error(err))
			}
		}
	}
	return result, errors.Join(errs...)
}
