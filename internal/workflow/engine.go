package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/observability"
	"github.com/spec-kit/caseflow/internal/repository"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// DefaultMaxCascade bounds how deep workflow-raised events are followed.
const DefaultMaxCascade = 4

// CaseActions is the slice of the case service the engine drives. Every
// mutating call commits on its own and publishes its events with ctx.
type CaseActions interface {
	Get(ctx context.Context, caseID string) (*domain.Case, error)
	Assign(ctx context.Context, caseID, assignee, actor, reason string) (*domain.Case, error)
	Escalate(ctx context.Context, caseID, assignee, actor, reason string) (*domain.Case, error)
	Transition(ctx context.Context, caseID string, next domain.CaseStatus, actor, reason string) (*domain.Case, error)
	FlagCase(ctx context.Context, caseID string, flag domain.CaseFlag, actor, reason string) (*domain.Case, error)
	Notify(ctx context.Context, caseID, recipient, subject, body, actor string) error
	RecordActionFailure(ctx context.Context, caseID, ruleID, kind string, cause error) error
}

// EngineDependencies wires the engine.
type EngineDependencies struct {
	Rules      []Rule
	Actions    CaseActions
	Markers    repository.MarkerStore
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	MaxCascade int
}

// Engine evaluates rules for published events.
type Engine struct {
	rules      map[events.Trigger][]Rule
	actions    CaseActions
	markers    repository.MarkerStore
	logger     *zap.Logger
	metrics    *observability.Metrics
	maxCascade int
}

// NewEngine validates and orders the rules. The reopen-requested rule is
// always installed.
func NewEngine(deps EngineDependencies) (*Engine, error) {
	if deps.Actions == nil || deps.Markers == nil {
		return nil, errors.New("workflow engine requires actions and a marker store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxCascade := deps.MaxCascade
	if maxCascade <= 0 {
		maxCascade = DefaultMaxCascade
	}

	seen := make(map[string]bool)
	byTrigger := make(map[events.Trigger][]Rule)
	for _, rule := range append([]Rule{ReopenRequestedRule()}, deps.Rules...) {
		if err := rule.validate(); err != nil {
			return nil, err
		}
		if seen[rule.ID] {
			return nil, apperrors.NewValidationError("duplicate rule id", map[string]any{"rule_id": rule.ID})
		}
		seen[rule.ID] = true
		byTrigger[rule.Trigger] = append(byTrigger[rule.Trigger], rule)
	}
	for trigger := range byTrigger {
		list := byTrigger[trigger]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	}

	return &Engine{
		rules:      byTrigger,
		actions:    deps.Actions,
		markers:    deps.Markers,
		logger:     logger.Named("workflow"),
		metrics:    deps.Metrics,
		maxCascade: maxCascade,
	}, nil
}

// RegisterHandlers subscribes the engine to every trigger.
func (e *Engine) RegisterHandlers(dispatcher events.Dispatcher) {
	if dispatcher == nil {
		return
	}
	for _, trigger := range events.AllTriggers {
		dispatcher.Subscribe(trigger, e.Handle)
	}
}

// Handle evaluates the rules for one event. The case is read once; each
// action commits independently and a failed action never undoes the change
// that raised the event.
func (e *Engine) Handle(ctx context.Context, event events.Event) error {
	depth := events.Depth(ctx)
	logger := e.logger.With(
		zap.String("case_id", event.CaseID()),
		zap.String("event_id", event.EventID()),
		zap.String("trigger", string(event.Trigger())),
		zap.Int("depth", depth))
	if depth > e.maxCascade {
		logger.Warn("cascade limit reached; event not evaluated")
		e.metrics.RecordWorkflowAction("cascade", "dropped")
		return nil
	}

	rules := e.rules[event.Trigger()]
	if len(rules) == 0 {
		return nil
	}

	c, err := e.actions.Get(ctx, event.CaseID())
	if err != nil {
		return fmt.Errorf("load case for workflow: %w", err)
	}

	actionCtx := events.WithDepth(ctx, depth+1)
	fired := make(map[ActionKind]bool)
	var errs []error
	for _, rule := range rules {
		if fired[rule.Action.Kind] {
			continue
		}
		if rule.Match != nil && !rule.Match(event) {
			continue
		}
		if rule.Condition != nil && !rule.Condition(c) {
			continue
		}
		fired[rule.Action.Kind] = true

		ruleLogger := logger.With(zap.String("rule_id", rule.ID), zap.String("action", string(rule.Action.Kind)))
		fresh, err := e.markers.Mark(ctx, repository.Marker{RuleID: rule.ID, CaseID: c.ID, EventID: event.EventID()})
		if err != nil {
			ruleLogger.Error("record workflow marker", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if !fresh {
			ruleLogger.Debug("action already executed for event")
			e.metrics.RecordWorkflowAction(string(rule.Action.Kind), "replayed")
			continue
		}

		if err := e.execute(actionCtx, rule, c); err != nil {
			ruleLogger.Warn("workflow action failed", zap.Error(err))
			e.metrics.RecordWorkflowAction(string(rule.Action.Kind), "failed")
			if recordErr := e.actions.RecordActionFailure(ctx, c.ID, rule.ID, string(rule.Action.Kind), err); recordErr != nil {
				errs = append(errs, recordErr)
			}
			continue
		}
		ruleLogger.Info("workflow action executed")
		e.metrics.RecordWorkflowAction(string(rule.Action.Kind), "ok")
	}
	return errors.Join(errs...)
}

func (e *Engine) execute(ctx context.Context, rule Rule, c *domain.Case) error {
	action := rule.Action
	actor := domain.ActorWorkflow + ":" + rule.ID
	reason := action.Reason
	if reason == "" {
		reason = rule.Name
	}

	switch action.Kind {
	case ActionAssign:
		_, err := e.actions.Assign(ctx, c.ID, action.Assignee, actor, reason)
		return err
	case ActionEscalate:
		_, err := e.actions.Escalate(ctx, c.ID, action.Assignee, actor, reason)
		return err
	case ActionChangeStatus:
		_, err := e.actions.Transition(ctx, c.ID, action.Status, actor, reason)
		return err
	case ActionFlag:
		_, err := e.actions.FlagCase(ctx, c.ID, action.Flag, actor, reason)
		return err
	case ActionNotify:
		recipient := action.Recipient
		if recipient == "" || strings.EqualFold(recipient, RecipientCustomer) {
			recipient = c.Customer.Address
		}
		return e.actions.Notify(ctx, c.ID, recipient, expand(action.Subject, c), expand(action.Body, c), actor)
	}
	return apperrors.NewValidationError("unknown action kind", map[string]any{"kind": action.Kind})
}

// expand fills {{case_number}}, {{priority}}, {{status}} and {{customer}}
// placeholders.
func expand(text string, c *domain.Case) string {
	return strings.NewReplacer(
		"{{case_number}}", c.Number,
		"{{priority}}", string(c.Priority),
		"{{status}}", string(c.Status),
		"{{customer}}", c.Customer.Name,
	).Replace(text)
}
