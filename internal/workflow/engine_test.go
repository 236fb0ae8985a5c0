package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/repository"
)

type call struct {
	Op     string
	CaseID string
	Arg    string
	Actor  string
	Depth  int
}

type fakeActions struct {
	mu       sync.Mutex
	c        *domain.Case
	calls    []call
	failures []string
	failOn   string
}

func (f *fakeActions) record(ctx context.Context, op, caseID, arg, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: op, CaseID: caseID, Arg: arg, Actor: actor, Depth: events.Depth(ctx)})
	if op == f.failOn {
		return errors.New(op + " failed")
	}
	return nil
}

func (f *fakeActions) Get(context.Context, string) (*domain.Case, error) {
	return f.c.Clone(), nil
}

func (f *fakeActions) Assign(ctx context.Context, caseID, assignee, actor, _ string) (*domain.Case, error) {
	return f.c, f.record(ctx, "assign", caseID, assignee, actor)
}

func (f *fakeActions) Escalate(ctx context.Context, caseID, assignee, actor, _ string) (*domain.Case, error) {
	return f.c, f.record(ctx, "escalate", caseID, assignee, actor)
}

func (f *fakeActions) Transition(ctx context.Context, caseID string, next domain.CaseStatus, actor, _ string) (*domain.Case, error) {
	return f.c, f.record(ctx, "transition", caseID, string(next), actor)
}

func (f *fakeActions) FlagCase(ctx context.Context, caseID string, flag domain.CaseFlag, actor, _ string) (*domain.Case, error) {
	return f.c, f.record(ctx, "flag", caseID, string(flag), actor)
}

func (f *fakeActions) Notify(ctx context.Context, caseID, recipient, subject, _, actor string) error {
	return f.record(ctx, "notify", caseID, recipient+"|"+subject, actor)
}

func (f *fakeActions) RecordActionFailure(_ context.Context, _, ruleID, _ string, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, ruleID)
	return nil
}

func (f *fakeActions) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op+":"+c.Arg)
	}
	return out
}

type memoryMarkers struct {
	mu   sync.Mutex
	seen map[repository.Marker]bool
}

func (m *memoryMarkers) Mark(_ context.Context, marker repository.Marker) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[repository.Marker]bool)
	}
	if m.seen[marker] {
		return false, nil
	}
	m.seen[marker] = true
	return true, nil
}

func criticalCase() *domain.Case {
	return &domain.Case{
		ID:       "case-1",
		Number:   "CS-20261016-0001",
		Status:   domain.CaseStatusNew,
		Priority: domain.CasePriorityCritical,
		Category: "maintenance",
		Customer: domain.CustomerInfo{Name: "Casey", Address: "customer@x.com"},
	}
}

func createdEvent(c *domain.Case) events.Event {
	c.CreatedAt = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	return events.NewCaseCreated(c)
}

func newTestEngine(t *testing.T, actions *fakeActions, rules ...Rule) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineDependencies{Rules: rules, Actions: actions, Markers: &memoryMarkers{}, MaxCascade: 2})
	require.NoError(t, err)
	return engine
}

func isCritical(c *domain.Case) bool { return c.Priority == domain.CasePriorityCritical }

func TestFirstMatchingRulePerKindFires(t *testing.T) {
	actions := &fakeActions{c: criticalCase()}
	engine := newTestEngine(t, actions,
		Rule{ID: "assign-general", Trigger: events.TriggerCaseCreated, Order: 20, Action: Action{Kind: ActionAssign, Assignee: "queue"}},
		Rule{ID: "assign-critical", Trigger: events.TriggerCaseCreated, Order: 10, Condition: isCritical, Action: Action{Kind: ActionAssign, Assignee: "oncall"}},
		Rule{ID: "ack", Trigger: events.TriggerCaseCreated, Order: 30, Action: Action{Kind: ActionNotify, Recipient: RecipientCustomer, Subject: "[{{case_number}}] received"}},
		Rule{ID: "other-trigger", Trigger: events.TriggerSlaBreached, Action: Action{Kind: ActionEscalate}},
	)

	require.NoError(t, engine.Handle(context.Background(), createdEvent(actions.c)))
	assert.Equal(t, []string{
		"assign:oncall",
		"notify:customer@x.com|[CS-20261016-0001] received",
	}, actions.ops())
	assert.Equal(t, "workflow:assign-critical", actions.calls[0].Actor)
}

func TestConditionFalseFallsThroughToNextRule(t *testing.T) {
	c := criticalCase()
	c.Priority = domain.CasePriorityLow
	actions := &fakeActions{c: c}
	engine := newTestEngine(t, actions,
		Rule{ID: "assign-critical", Trigger: events.TriggerCaseCreated, Order: 10, Condition: isCritical, Action: Action{Kind: ActionAssign, Assignee: "oncall"}},
		Rule{ID: "assign-general", Trigger: events.TriggerCaseCreated, Order: 20, Action: Action{Kind: ActionAssign, Assignee: "queue"}},
	)

	require.NoError(t, engine.Handle(context.Background(), createdEvent(c)))
	assert.Equal(t, []string{"assign:queue"}, actions.ops())
}

func TestReplayedEventDoesNotRepeatActions(t *testing.T) {
	actions := &fakeActions{c: criticalCase()}
	engine := newTestEngine(t, actions,
		Rule{ID: "assign", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionAssign, Assignee: "oncall"}},
	)
	event := createdEvent(actions.c)

	require.NoError(t, engine.Handle(context.Background(), event))
	require.NoError(t, engine.Handle(context.Background(), event))
	assert.Len(t, actions.calls, 1)
}

func TestActionFailureIsRecordedNotReturned(t *testing.T) {
	actions := &fakeActions{c: criticalCase(), failOn: "notify"}
	engine := newTestEngine(t, actions,
		Rule{ID: "ack", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionNotify, Body: "thanks"}},
		Rule{ID: "assign", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionAssign, Assignee: "oncall"}},
	)

	require.NoError(t, engine.Handle(context.Background(), createdEvent(actions.c)))
	assert.Equal(t, []string{"ack"}, actions.failures)
	assert.Contains(t, actions.ops(), "assign:oncall")
}

func TestCascadeDepthIsCarriedAndBounded(t *testing.T) {
	actions := &fakeActions{c: criticalCase()}
	engine := newTestEngine(t, actions,
		Rule{ID: "assign", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionAssign, Assignee: "oncall"}},
	)

	require.NoError(t, engine.Handle(events.WithDepth(context.Background(), 1), createdEvent(actions.c)))
	require.Len(t, actions.calls, 1)
	assert.Equal(t, 2, actions.calls[0].Depth)

	c := criticalCase()
	c.ID = "case-2"
	actions.c = c
	require.NoError(t, engine.Handle(events.WithDepth(context.Background(), 3), createdEvent(c)))
	assert.Len(t, actions.calls, 1)
}

func TestReopenRequestedRuleIsBuiltIn(t *testing.T) {
	c := criticalCase()
	c.Status = domain.CaseStatusClosed
	actions := &fakeActions{c: c}
	engine := newTestEngine(t, actions)

	entry := domain.ThreadEntry{ID: "entry-1", Direction: domain.DirectionInbound, Timestamp: time.Now()}
	require.NoError(t, engine.Handle(context.Background(), events.NewThreadAppended(c.ID, entry, false)))
	assert.Empty(t, actions.calls)

	require.NoError(t, engine.Handle(context.Background(), events.NewThreadAppended(c.ID, entry, true)))
	assert.Equal(t, []string{"flag:reopen-requested"}, actions.ops())
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	actions := &fakeActions{c: criticalCase()}

	_, err := NewEngine(EngineDependencies{Actions: actions, Markers: &memoryMarkers{}, Rules: []Rule{
		{ID: "a", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionEscalate}},
		{ID: "a", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionEscalate}},
	}})
	assert.Error(t, err)

	_, err = NewEngine(EngineDependencies{Actions: actions, Markers: &memoryMarkers{}, Rules: []Rule{
		{ID: "b", Trigger: events.TriggerCaseCreated, Action: Action{Kind: ActionAssign}},
	}})
	assert.Error(t, err)

	_, err = NewEngine(EngineDependencies{Actions: actions, Markers: &memoryMarkers{}, Rules: []Rule{
		{ID: "c", Trigger: "CaseDeleted", Action: Action{Kind: ActionEscalate}},
	}})
	assert.Error(t, err)
}

func TestRegisterHandlersRoutesPublishedEvents(t *testing.T) {
	actions := &fakeActions{c: criticalCase()}
	engine := newTestEngine(t, actions,
		Rule{ID: "breach", Trigger: events.TriggerSlaBreached, Action: Action{Kind: ActionEscalate}},
	)
	dispatcher := events.NewInMemoryDispatcher()
	engine.RegisterHandlers(dispatcher)

	require.NoError(t, dispatcher.Publish(context.Background(), events.NewSlaBreached(actions.c, time.Now())))
	assert.Equal(t, []string{"escalate:"}, actions.ops())
}
