package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/classify"
	"github.com/spec-kit/caseflow/internal/config"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/lifecycle"
	"github.com/spec-kit/caseflow/internal/persistence"
	"github.com/spec-kit/caseflow/internal/repository"
	"github.com/spec-kit/caseflow/internal/sla"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

var start = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type harness struct {
	matcher *Matcher
	store   *repository.SQLiteCaseStore
	engine  *sla.Engine
	now     time.Time
	events  []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := persistence.NewSQLite(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "ingest.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{now: start, engine: sla.NewEngine(sla.DefaultPolicy())}
	clock := func() time.Time { return h.now }
	h.store = repository.NewSQLiteCaseStore(db.DB, repository.WithClock(clock))

	dispatcher := events.NewInMemoryDispatcher()
	for _, trigger := range events.AllTriggers {
		dispatcher.Subscribe(trigger, func(_ context.Context, event events.Event) error {
			h.events = append(h.events, event)
			return nil
		})
	}

	h.matcher = NewMatcher(MatcherDependencies{
		Store:      h.store,
		Classifier: classify.WithFallback(nil, nil, nil, nil),
		SLA:        h.engine,
		Dispatcher: dispatcher,
		Identity:   "support@example.com",
		Aliases:    []string{"help@example.com"},
		Clock:      clock,
	})
	return h
}

func (h *harness) allCases(t *testing.T) []*domain.Case {
	t.Helper()
	list, err := h.store.ListByStatus(context.Background(), domain.AllCaseStatuses, 0)
	require.NoError(t, err)
	return list
}

func inboundMsg(id, subject string, at time.Time) domain.InboundMessage {
	return domain.InboundMessage{
		ExternalMessageID: id,
		SenderAddress:     "customer@x.com",
		SenderName:        "Casey Customer",
		Subject:           subject,
		Body:              "The kitchen tap keeps dripping.",
		ReceivedAt:        at,
	}
}

func TestLoopGuardSkipsOwnOutboundMail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, sender := range []string{"Support@Example.com", "help@example.com"} {
		msg := inboundMsg("loop-"+sender, "Re: Leaking tap", start)
		msg.SenderAddress = sender
		result, err := h.matcher.Ingest(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, result.Outcome)
	}

	assert.Empty(t, h.allCases(t))
	assert.Empty(t, h.events)
	skips, err := h.store.ListSkips(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, skips, 2)
}

func TestLoopGuardAcceptsDisplayNameIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	matcher := NewMatcher(MatcherDependencies{
		Store:    h.store,
		SLA:      h.engine,
		Identity: "Support Desk <Desk@Example.com>",
		Aliases:  []string{" \"Help\" <help@example.com> "},
		Clock:    func() time.Time { return h.now },
	})

	for _, sender := range []string{"desk@example.com", "Help Team <HELP@example.com>"} {
		msg := inboundMsg("loop-"+sender, "Re: Leaking tap", start)
		msg.SenderAddress = sender
		result, err := matcher.Ingest(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, result.Outcome)
	}
	assert.Empty(t, h.allCases(t))
}

func TestNewConversationCreatesCase(t *testing.T) {
	h := newHarness(t)

	result, err := h.matcher.Ingest(context.Background(), inboundMsg("m1", "Leaking tap", start.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.Equal(t, "CS-20261016-0001", result.CaseNumber)

	c, err := h.store.Get(context.Background(), result.CaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusNew, c.Status)
	require.Len(t, c.Threads, 1)
	assert.Equal(t, domain.DirectionInbound, c.Threads[0].Direction)
	assert.Equal(t, "customer@x.com", c.Customer.Address)
	assert.Equal(t, "leaking tap", c.NormalizedSubject)
	assert.Equal(t, c.CreatedAt.Add(h.engine.Policy().Duration(c.Priority, c.Category)), c.SLA.DueAt)
	require.NotNil(t, c.Classification)
	assert.Equal(t, domain.ClassificationFallback, c.Classification.Source)
	assert.LessOrEqual(t, c.Classification.Confidence, classify.MaxFallbackConfidence)

	require.Len(t, h.events, 1)
	assert.Equal(t, events.TriggerCaseCreated, h.events[0].Trigger())
}

func TestReplyWithSameSubjectAttaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)
	h.now = start.Add(time.Hour)
	second, err := h.matcher.Ingest(ctx, inboundMsg("m2", "Re: Leaking tap", start.Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAttached, second.Outcome)
	assert.Equal(t, first.CaseID, second.CaseID)
	assert.False(t, second.Ambiguous)
	assert.Len(t, h.allCases(t), 1)

	c, err := h.store.Get(ctx, first.CaseID)
	require.NoError(t, err)
	require.Len(t, c.Threads, 2)
	for _, entry := range c.Threads {
		assert.Equal(t, domain.DirectionInbound, entry.Direction)
	}
	assert.Equal(t, domain.CaseStatusNew, c.Status)
}

func TestThreadReferenceKeepsOneCaseInTimestampOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.matcher.Ingest(ctx, inboundMsg("root", "Leaking tap", start))
	require.NoError(t, err)

	offsets := []time.Duration{5 * time.Minute, 2 * time.Minute, 9 * time.Minute, time.Minute}
	for i, offset := range offsets {
		msg := inboundMsg(fmt.Sprintf("reply-%d", i), "Different subject each time "+fmt.Sprint(i), start.Add(offset))
		msg.ThreadReference = "root"
		result, err := h.matcher.Ingest(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAttached, result.Outcome)
	}

	cases := h.allCases(t)
	require.Len(t, cases, 1)
	threads := cases[0].Threads
	require.Len(t, threads, len(offsets)+1)
	for i := 1; i < len(threads); i++ {
		assert.False(t, threads[i].Timestamp.Before(threads[i-1].Timestamp))
	}
}

func TestReferencesAreSearchedNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.matcher.Ingest(ctx, inboundMsg("a-root", "Leaking tap", start))
	require.NoError(t, err)
	other := inboundMsg("b-root", "Invoice question", start)
	other.SenderAddress = "other@x.com"
	b, err := h.matcher.Ingest(ctx, other)
	require.NoError(t, err)

	msg := inboundMsg("reply", "Unrelated", start.Add(time.Minute))
	msg.References = []string{"a-root", "b-root"}
	result, err := h.matcher.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, b.CaseID, result.CaseID)
	assert.NotEqual(t, a.CaseID, result.CaseID)
}

func TestCaseNumberTokenInSubject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)

	msg := inboundMsg("m2", "Re: ["+created.CaseNumber+"] status update", start.Add(time.Minute))
	msg.SenderAddress = "plumber@vendor.com"
	result, err := h.matcher.Ingest(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAttached, result.Outcome)
	assert.Equal(t, created.CaseID, result.CaseID)
}

func TestDuplicateIngestionIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)
	again, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, OutcomeCreated, again.Outcome)
	assert.Equal(t, first.CaseID, again.CaseID)

	_, err = h.matcher.Ingest(ctx, inboundMsg("m2", "Re: Leaking tap", start.Add(time.Minute)))
	require.NoError(t, err)
	replay, err := h.matcher.Ingest(ctx, inboundMsg("m2", "Re: Leaking tap", start.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, OutcomeAttached, replay.Outcome)

	c, err := h.store.Get(ctx, first.CaseID)
	require.NoError(t, err)
	assert.Len(t, c.Threads, 2)
}

func TestMissingMessageIDIsDerivedDeterministically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg := inboundMsg("", "Leaking tap", start)
	first, err := h.matcher.Ingest(ctx, msg)
	require.NoError(t, err)
	second, err := h.matcher.Ingest(ctx, msg)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.CaseID, second.CaseID)
	assert.Equal(t, DeriveMessageID(msg), DeriveMessageID(msg))
}

func TestAmbiguousMatchPicksMostRecentAndFlags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	older := &domain.Case{
		Status: domain.CaseStatusInProgress, Priority: domain.CasePriorityMedium,
		Customer: domain.CustomerInfo{Address: "customer@x.com"}, NormalizedSubject: "leaking tap",
		CreatedAt: start, UpdatedAt: start,
	}
	newer := &domain.Case{
		Status: domain.CaseStatusInProgress, Priority: domain.CasePriorityMedium,
		Customer: domain.CustomerInfo{Address: "customer@x.com"}, NormalizedSubject: "leaking tap",
		CreatedAt: start, UpdatedAt: start.Add(time.Hour),
	}
	require.NoError(t, h.store.Create(ctx, older))
	require.NoError(t, h.store.Create(ctx, newer))

	h.now = start.Add(2 * time.Hour)
	result, err := h.matcher.Ingest(ctx, inboundMsg("m9", "RE: Fwd: leaking TAP", start.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, result.CaseID)
	assert.True(t, result.Ambiguous)

	c, err := h.store.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.True(t, c.HasFlag(domain.FlagNeedsReview))
}

func TestLookbackWindowBoundsHeuristic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)

	late := start.Add(6 * 24 * time.Hour)
	h.now = late
	second, err := h.matcher.Ingest(ctx, inboundMsg("m2", "Re: Leaking tap", late))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, second.Outcome)
	assert.NotEqual(t, first.CaseID, second.CaseID)
}

func moveTo(t *testing.T, h *harness, caseID string, path ...domain.CaseStatus) {
	t.Helper()
	_, err := repository.UpdateWithRetry(context.Background(), h.store, caseID, 0, func(c *domain.Case) error {
		for _, status := range path {
			if _, err := lifecycle.Apply(c, status, "agent", "test", h.now); err != nil {
				return err
			}
			if status.Settled() {
				h.engine.Freeze(c, h.now)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReplyReopensResolvedCase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)
	moveTo(t, h, created.CaseID, domain.CaseStatusInProgress, domain.CaseStatusResolved)
	h.events = nil

	h.now = start.Add(time.Hour)
	reply := inboundMsg("m2", "Re: Leaking tap", start.Add(time.Hour))
	reply.ThreadReference = "m1"
	result, err := h.matcher.Ingest(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAttached, result.Outcome)

	c, err := h.store.Get(ctx, created.CaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusInProgress, c.Status)
	assert.Nil(t, c.ResolvedAt)
	assert.Nil(t, c.SLA.FrozenAt)

	require.Len(t, h.events, 2)
	changed, ok := h.events[1].(events.StatusChanged)
	require.True(t, ok)
	assert.Equal(t, domain.CaseStatusResolved, changed.From)
	assert.Equal(t, domain.CaseStatusInProgress, changed.To)
}

func TestCustomerReplyLeavesAwaitingCustomer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)
	moveTo(t, h, created.CaseID, domain.CaseStatusInProgress, domain.CaseStatusAwaitingCustomer)

	_, err = h.matcher.Ingest(ctx, inboundMsg("m2", "Re: Leaking tap", start.Add(time.Minute)))
	require.NoError(t, err)

	c, err := h.store.Get(ctx, created.CaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseStatusInProgress, c.Status)
}

func TestClosedCasesAreNotReusedByReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.matcher.Ingest(ctx, inboundMsg("m1", "Leaking tap", start))
	require.NoError(t, err)
	moveTo(t, h, created.CaseID, domain.CaseStatusInProgress, domain.CaseStatusResolved, domain.CaseStatusClosed)

	reply := inboundMsg("m2", "Re: Leaking tap", start.Add(time.Minute))
	reply.ThreadReference = "m1"
	result, err := h.matcher.Ingest(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.NotEqual(t, created.CaseID, result.CaseID)
}

func TestInvalidMessagesAreRejectedBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := inboundMsg("m1", "Leaking tap", start)
	bad.SenderAddress = "not an address"
	_, err := h.matcher.Ingest(ctx, bad)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	noTime := inboundMsg("m2", "Leaking tap", time.Time{})
	_, err = h.matcher.Ingest(ctx, noTime)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	assert.Empty(t, h.allCases(t))
}
