package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/dispatch"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/lifecycle"
	"github.com/spec-kit/caseflow/internal/observability"
	"github.com/spec-kit/caseflow/internal/repository"
	"github.com/spec-kit/caseflow/internal/sla"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// DefaultAutoCloseGrace is how long a Resolved case waits before closing.
const DefaultAutoCloseGrace = 72 * time.Hour

// Outbox accepts outbound messages for asynchronous delivery.
type Outbox interface {
	Enqueue(ctx context.Context, msg dispatch.Message) error
}

// CaseService coordinates case operations issued by people and rules.
type CaseService struct {
	store      repository.CaseStore
	sla        *sla.Engine
	dispatcher events.Dispatcher
	outbox     Outbox
	logger     *zap.Logger
	metrics    *observability.Metrics
	identity   string
	fromName   string
	attempts   int
	grace      time.Duration
	now        func() time.Time
}

// CaseDependencies bundles collaborators for the case service.
type CaseDependencies struct {
	Store          repository.CaseStore
	SLA            *sla.Engine
	Dispatcher     events.Dispatcher
	Outbox         Outbox
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Identity       string
	FromName       string
	UpdateAttempts int
	AutoCloseGrace time.Duration
	Clock          func() time.Time
}

// NewCaseService constructs the service.
func NewCaseService(deps CaseDependencies) *CaseService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := deps.SLA
	if engine == nil {
		engine = sla.NewEngine(sla.DefaultPolicy())
	}
	grace := deps.AutoCloseGrace
	if grace <= 0 {
		grace = DefaultAutoCloseGrace
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &CaseService{
		store:      deps.Store,
		sla:        engine,
		dispatcher: deps.Dispatcher,
		outbox:     deps.Outbox,
		logger:     logger.Named("cases"),
		metrics:    deps.Metrics,
		identity:   deps.Identity,
		fromName:   deps.FromName,
		attempts:   deps.UpdateAttempts,
		grace:      grace,
		now:        now,
	}
}

// Get returns the case with its SLA status derived for now.
func (s *CaseService) Get(ctx context.Context, caseID string) (*domain.Case, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	c.SLA.Status = s.sla.Derive(c, s.now())
	return c, nil
}

// GetByNumber resolves a human-facing case number.
func (s *CaseService) GetByNumber(ctx context.Context, number string) (*domain.Case, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if domain.CaseNumberPattern.FindString(number) != number {
		return nil, apperrors.NewValidationError("malformed case number", map[string]any{"case_number": number})
	}
	c, err := s.store.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	c.SLA.Status = s.sla.Derive(c, s.now())
	return c, nil
}

// Skips lists recently skipped inbound messages.
func (s *CaseService) Skips(ctx context.Context, limit int) ([]repository.SkipRecord, error) {
	return s.store.ListSkips(ctx, limit)
}

// Transition moves the case to next through the state machine.
func (s *CaseService) Transition(ctx context.Context, caseID string, next domain.CaseStatus, actor, reason string) (*domain.Case, error) {
	status, err := domain.ParseCaseStatus(string(next))
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		return s.transition(c, status, actor, reason, at)
	})
}

// Resolve is Transition to Resolved.
func (s *CaseService) Resolve(ctx context.Context, caseID, actor, reason string) (*domain.Case, error) {
	return s.Transition(ctx, caseID, domain.CaseStatusResolved, actor, reason)
}

// Close is Transition to Closed.
func (s *CaseService) Close(ctx context.Context, caseID, actor, reason string) (*domain.Case, error) {
	return s.Transition(ctx, caseID, domain.CaseStatusClosed, actor, reason)
}

// ChangePriority recomputes the deadline when the priority actually changes.
func (s *CaseService) ChangePriority(ctx context.Context, caseID string, priority domain.CasePriority, actor, reason string) (*domain.Case, error) {
	parsed, err := domain.ParseCasePriority(string(priority))
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		if c.Status == domain.CaseStatusClosed {
			return apperrors.NewInvariantViolation("closed cases cannot change priority", map[string]any{"case_id": c.ID})
		}
		previous := c.Priority
		if !s.sla.Reprioritize(c, parsed, at) {
			return errUnchanged
		}
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelinePriorityChanged,
			Actor:     actor,
			Timestamp: at,
			Reason:    reason,
			Details: map[string]string{
				"from":   string(previous),
				"to":     string(parsed),
				"due_at": c.SLA.DueAt.UTC().Format(time.RFC3339),
			},
		})
		return nil
	})
}

// Assign sets the owner. The first assignment of a New case starts work on
// it.
func (s *CaseService) Assign(ctx context.Context, caseID, assignee, actor, reason string) (*domain.Case, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, apperrors.NewValidationError("assignee is required", nil)
	}
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		if c.Status == domain.CaseStatusClosed {
			return apperrors.NewInvariantViolation("closed cases cannot be assigned", map[string]any{"case_id": c.ID})
		}
		if c.Assignee != nil && *c.Assignee == assignee {
			return errUnchanged
		}
		s.assign(c, assignee, actor, reason, at)
		if c.Status == domain.CaseStatusNew {
			return s.transition(c, domain.CaseStatusInProgress, actor, "first assignment", at)
		}
		return nil
	})
}

// Escalate raises the priority one level, flags the case and optionally
// reassigns it.
func (s *CaseService) Escalate(ctx context.Context, caseID, assignee, actor, reason string) (*domain.Case, error) {
	assignee = strings.TrimSpace(assignee)
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		if c.Status.Settled() {
			return apperrors.NewInvariantViolation("settled cases cannot be escalated", map[string]any{
				"case_id": c.ID,
				"status":  c.Status,
			})
		}
		previous := c.Priority
		s.sla.Reprioritize(c, previous.Raise(), at)
		c.SetFlag(domain.FlagEscalated)
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineEscalated,
			Actor:     actor,
			Timestamp: at,
			Reason:    reason,
			Details: map[string]string{
				"from":   string(previous),
				"to":     string(c.Priority),
				"due_at": c.SLA.DueAt.UTC().Format(time.RFC3339),
			},
		})
		if assignee != "" && (c.Assignee == nil || *c.Assignee != assignee) {
			s.assign(c, assignee, actor, reason, at)
			if c.Status == domain.CaseStatusNew {
				return s.transition(c, domain.CaseStatusInProgress, actor, "assigned on escalation", at)
			}
		}
		return nil
	})
}

// LinkVendorTask attaches an external task. A case in progress starts
// waiting on the vendor.
func (s *CaseService) LinkVendorTask(ctx context.Context, caseID, taskID, actor string) (*domain.Case, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, apperrors.NewValidationError("task_id is required", nil)
	}
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		if c.Status.Settled() {
			return apperrors.NewInvariantViolation("settled cases cannot take new tasks", map[string]any{"case_id": c.ID})
		}
		if c.HasTask(taskID) {
			return errUnchanged
		}
		c.Tasks = append(c.Tasks, taskID)
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineTaskLinked,
			Actor:     actor,
			Timestamp: at,
			Details:   map[string]string{"task_id": taskID, "state": "linked"},
		})
		if c.Status == domain.CaseStatusInProgress {
			return s.transition(c, domain.CaseStatusAwaitingVendor, actor, "task assigned to vendor", at)
		}
		return nil
	})
}

// CompleteVendorTask returns a case waiting on the vendor to work.
func (s *CaseService) CompleteVendorTask(ctx context.Context, caseID, taskID, actor string) (*domain.Case, error) {
	taskID = strings.TrimSpace(taskID)
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		if !c.HasTask(taskID) {
			return apperrors.NewNotFound("task", map[string]any{"case_id": c.ID, "task_id": taskID})
		}
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineTaskLinked,
			Actor:     actor,
			Timestamp: at,
			Details:   map[string]string{"task_id": taskID, "state": "completed"},
		})
		if c.Status == domain.CaseStatusAwaitingVendor {
			return s.transition(c, domain.CaseStatusInProgress, actor, "vendor task completed", at)
		}
		return nil
	})
}

// FlagCase sets an operator flag once.
func (s *CaseService) FlagCase(ctx context.Context, caseID string, flag domain.CaseFlag, actor, reason string) (*domain.Case, error) {
	if strings.TrimSpace(string(flag)) == "" {
		return nil, apperrors.NewValidationError("flag is required", nil)
	}
	return s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		if !c.SetFlag(flag) {
			return errUnchanged
		}
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineFlagged,
			Actor:     actor,
			Timestamp: at,
			Reason:    reason,
			Details:   map[string]string{"flag": string(flag)},
		})
		return nil
	})
}

// RecordActionFailure logs a failed workflow action on the case timeline.
func (s *CaseService) RecordActionFailure(ctx context.Context, caseID, ruleID, kind string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err := s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineActionFailed,
			Actor:     domain.ActorWorkflow,
			Timestamp: at,
			Reason:    message,
			Details:   map[string]string{"rule_id": ruleID, "action": kind},
		})
		return nil
	})
	return err
}

// AutoClose closes Resolved cases whose grace period has passed and
// returns how many it closed.
func (s *CaseService) AutoClose(ctx context.Context, now time.Time) (int, error) {
	resolved, err := s.store.ListByStatus(ctx, []domain.CaseStatus{domain.CaseStatusResolved}, 0)
	if err != nil {
		return 0, err
	}
	closed := 0
	var errs []error
	for _, c := range resolved {
		if c.ResolvedAt == nil || now.Sub(*c.ResolvedAt) < s.grace {
			continue
		}
		_, err := s.apply(ctx, c.ID, func(current *domain.Case, at time.Time) error {
			if current.Status != domain.CaseStatusResolved || current.ResolvedAt == nil || now.Sub(*current.ResolvedAt) < s.grace {
				return errUnchanged
			}
			return s.transition(current, domain.CaseStatusClosed, domain.ActorSystem, "auto-closed after grace period", at)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		s.logger.Info("auto-closed resolved cases", zap.Int("count", closed))
	}
	return closed, errors.Join(errs...)
}

// errUnchanged aborts a mutation that would not change anything.
var errUnchanged = errors.New("case unchanged")

// apply runs mutate through the optimistic write path, then publishes the
// status events the mutation recorded. A mutation returning errUnchanged
// yields the current case without a write.
func (s *CaseService) apply(ctx context.Context, caseID string, mutate func(*domain.Case, time.Time) error) (*domain.Case, error) {
	var timelineStart int
	updated, err := repository.UpdateWithRetry(ctx, s.store, caseID, s.attempts, func(c *domain.Case) error {
		timelineStart = len(c.Timeline)
		return mutate(c, s.now())
	})
	if errors.Is(err, errUnchanged) {
		return s.Get(ctx, caseID)
	}
	if err != nil {
		if apperrors.IsRetryable(err) {
			s.metrics.RecordConflict()
		}
		return nil, err
	}

	statusEvents := events.StatusEvents(updated, timelineStart)
	for _, event := range statusEvents {
		if changed, ok := event.(events.StatusChanged); ok {
			s.metrics.RecordTransition(string(changed.From), string(changed.To))
			s.logger.Info("case status changed",
				zap.String("case_id", updated.ID),
				zap.String("from", string(changed.From)),
				zap.String("to", string(changed.To)),
				zap.String("actor", changed.Actor))
		}
	}
	s.publish(ctx, updated.ID, statusEvents...)
	updated.SLA.Status = s.sla.Derive(updated, s.now())
	return updated, nil
}

// transition applies the state machine and keeps the SLA clock in step.
func (s *CaseService) transition(c *domain.Case, next domain.CaseStatus, actor, reason string, at time.Time) error {
	previous := c.Status
	if _, err := lifecycle.Apply(c, next, actor, reason, at); err != nil {
		return err
	}
	switch {
	case next.Settled():
		s.sla.Freeze(c, at)
	case previous.Settled():
		s.sla.Unfreeze(c, at)
	}
	return nil
}

func (s *CaseService) assign(c *domain.Case, assignee, actor, reason string, at time.Time) {
	previous := ""
	if c.Assignee != nil {
		previous = *c.Assignee
	}
	owner := assignee
	c.Assignee = &owner
	c.Record(domain.TimelineEvent{
		ID:        uuid.NewString(),
		Kind:      domain.TimelineAssigned,
		Actor:     actor,
		Timestamp: at,
		Reason:    reason,
		Details:   map[string]string{"from": previous, "to": assignee},
	})
}

func (s *CaseService) publish(ctx context.Context, caseID string, list ...events.Event) {
	if err := events.PublishAll(ctx, s.dispatcher, list...); err != nil {
		s.logger.Warn("event handlers failed", zap.String("case_id", caseID), zap.Error(err))
	}
}
