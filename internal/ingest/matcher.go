// Package ingest turns normalized inbound messages into cases: it guards
// against mail loops and duplicates, threads replies onto existing cases and
// opens new cases for everything else.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/spec-kit/caseflow/internal/classify"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/lifecycle"
	"github.com/spec-kit/caseflow/internal/observability"
	"github.com/spec-kit/caseflow/internal/repository"
	"github.com/spec-kit/caseflow/internal/sla"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// DefaultLookback bounds the heuristic reply match.
const DefaultLookback = 120 * time.Hour

// Outcome is what happened to an inbound message.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAttached Outcome = "attached"
	OutcomeCreated  Outcome = "created"
)

// Result reports the case a message landed on.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	CaseID     string  `json:"case_id,omitempty"`
	CaseNumber string  `json:"case_number,omitempty"`
	Duplicate  bool    `json:"duplicate"`
	Ambiguous  bool    `json:"ambiguous"`
}

// MatcherDependencies wires the matcher.
type MatcherDependencies struct {
	Store          repository.CaseStore
	Classifier     classify.Classifier
	SLA            *sla.Engine
	Dispatcher     events.Dispatcher
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	Identity       string
	Aliases        []string
	Lookback       time.Duration
	UpdateAttempts int
	Clock          func() time.Time
}

// Matcher routes inbound messages to cases.
type Matcher struct {
	store      repository.CaseStore
	classifier classify.Classifier
	sla        *sla.Engine
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	identities map[string]struct{}
	lookback   time.Duration
	attempts   int
	now        func() time.Time
}

// NewMatcher constructs a matcher.
func NewMatcher(deps MatcherDependencies) *Matcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = classify.WithFallback(nil, nil, logger, deps.Metrics)
	}
	engine := deps.SLA
	if engine == nil {
		engine = sla.NewEngine(sla.DefaultPolicy())
	}
	lookback := deps.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	identities := make(map[string]struct{})
	for _, address := range append([]string{deps.Identity}, deps.Aliases...) {
		if normalized := identityAddress(address); normalized != "" {
			identities[normalized] = struct{}{}
		}
	}

	return &Matcher{
		store:      deps.Store,
		classifier: classifier,
		sla:        engine,
		dispatcher: deps.Dispatcher,
		logger:     logger.Named("matcher"),
		metrics:    deps.Metrics,
		identities: identities,
		lookback:   lookback,
		attempts:   deps.UpdateAttempts,
		now:        now,
	}
}

// Ingest processes one message. Store failures abort the whole message;
// nothing partial is written and the caller may retry.
func (m *Matcher) Ingest(ctx context.Context, msg domain.InboundMessage) (Result, error) {
	msg, err := m.validate(msg)
	if err != nil {
		m.metrics.RecordIngest("invalid")
		return Result{}, err
	}
	logger := m.logger.With(zap.String("external_message_id", msg.ExternalMessageID))

	if m.isOwnIdentity(msg.SenderAddress) {
		if err := m.store.RecordSkip(ctx, repository.SkipRecord{
			ExternalMessageID: msg.ExternalMessageID,
			SenderAddress:     msg.SenderAddress,
			Subject:           msg.Subject,
			Reason:            "sender is an outbound identity",
			RecordedAt:        m.now(),
		}); err != nil {
			return Result{}, err
		}
		logger.Info("skipped own outbound message", zap.String("sender", msg.SenderAddress))
		m.metrics.RecordIngest(string(OutcomeSkipped))
		return Result{Outcome: OutcomeSkipped}, nil
	}

	if result, found, err := m.duplicateOf(ctx, msg.ExternalMessageID); err != nil || found {
		if found {
			logger.Debug("duplicate message ignored", zap.String("case_id", result.CaseID))
			m.metrics.RecordIngest("duplicate")
		}
		return result, err
	}

	target, err := m.referenceMatch(ctx, msg)
	if err != nil {
		return Result{}, err
	}
	ambiguous := false
	if target == nil {
		target, ambiguous, err = m.heuristicMatch(ctx, msg)
		if err != nil {
			return Result{}, err
		}
	}

	if target != nil {
		return m.attach(ctx, target.ID, msg, ambiguous)
	}
	return m.create(ctx, msg)
}

func (m *Matcher) validate(msg domain.InboundMessage) (domain.InboundMessage, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(msg.SenderAddress))
	if err != nil {
		return msg, apperrors.NewValidationError("sender_address is not a valid address", map[string]any{
			"sender_address": msg.SenderAddress,
		})
	}
	if msg.ReceivedAt.IsZero() {
		return msg, apperrors.NewValidationError("received_at is required", nil)
	}
	msg.SenderAddress = normalizeAddress(addr.Address)
	if strings.TrimSpace(msg.SenderName) == "" {
		msg.SenderName = addr.Name
	}
	msg.ExternalMessageID = strings.TrimSpace(msg.ExternalMessageID)
	if msg.ExternalMessageID == "" {
		msg.ExternalMessageID = DeriveMessageID(msg)
	}
	return msg, nil
}

// DeriveMessageID builds a stable id for messages that arrive without one.
func DeriveMessageID(msg domain.InboundMessage) string {
	h := blake3.Sum256([]byte(strings.Join([]string{
		normalizeAddress(msg.SenderAddress),
		msg.Subject,
		msg.ReceivedAt.UTC().Format(time.RFC3339Nano),
		msg.Body,
	}, "\x00")))
	return "derived-" + hex.EncodeToString(h[:16])
}

func (m *Matcher) isOwnIdentity(address string) bool {
	_, ok := m.identities[normalizeAddress(address)]
	return ok
}

func (m *Matcher) duplicateOf(ctx context.Context, externalID string) (Result, bool, error) {
	ref, err := m.store.LookupMessage(ctx, externalID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	c, err := m.store.Get(ctx, ref.CaseID)
	if err != nil {
		return Result{}, false, err
	}
	outcome := OutcomeAttached
	if ref.OpenedCase {
		outcome = OutcomeCreated
	}
	return Result{Outcome: outcome, CaseID: c.ID, CaseNumber: c.Number, Duplicate: true}, true, nil
}

// referenceMatch tries thread_reference, then references newest first, then
// a case-number token in the subject.
func (m *Matcher) referenceMatch(ctx context.Context, msg domain.InboundMessage) (*domain.Case, error) {
	ids := make([]string, 0, len(msg.References)+1)
	if msg.ThreadReference != "" {
		ids = append(ids, msg.ThreadReference)
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		ids = append(ids, msg.References[i])
	}

	for _, id := range ids {
		ref, err := m.store.LookupMessage(ctx, strings.TrimSpace(id))
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c, err := m.store.Get(ctx, ref.CaseID)
		if err != nil {
			return nil, err
		}
		if c.Status != domain.CaseStatusClosed {
			return c, nil
		}
	}

	if number := ExtractCaseNumber(msg.Subject); number != "" {
		c, err := m.store.GetByNumber(ctx, number)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if c.Status != domain.CaseStatusClosed {
			return c, nil
		}
	}
	return nil, nil
}

// heuristicMatch picks the most recently active open case from the same
// sender with the same base subject.
func (m *Matcher) heuristicMatch(ctx context.Context, msg domain.InboundMessage) (*domain.Case, bool, error) {
	subject := NormalizeSubject(msg.Subject)
	if subject == "" {
		return nil, false, nil
	}
	candidates, err := m.store.FindOpenBySender(ctx, msg.SenderAddress, msg.ReceivedAt.Add(-m.lookback))
	if err != nil {
		return nil, false, err
	}
	var matches []*domain.Case
	for _, c := range candidates {
		if c.NormalizedSubject == subject {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, false, nil
	}
	best := matches[0]
	for _, c := range matches[1:] {
		if c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return best, len(matches) > 1, nil
}

func (m *Matcher) attach(ctx context.Context, caseID string, msg domain.InboundMessage, ambiguous bool) (Result, error) {
	entry := inboundEntry(msg)
	now := m.now()

	var (
		onClosed      bool
		timelineStart int
	)
	updated, err := repository.UpdateWithRetry(ctx, m.store, caseID, m.attempts, func(c *domain.Case) error {
		onClosed = false
		timelineStart = len(c.Timeline)
		if c.HasMessage(entry.ExternalMessageID) {
			return repository.ErrDuplicateMessage
		}

		c.AppendThread(entry)
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineThreadAppended,
			Actor:     domain.ActorIngest,
			Timestamp: now,
			Details: map[string]string{
				"entry_id":            entry.ID,
				"direction":           string(entry.Direction),
				"external_message_id": entry.ExternalMessageID,
			},
		})

		if c.Status == domain.CaseStatusClosed {
			onClosed = true
		} else if next, ok := lifecycle.ImpliedByInbound(c.Status); ok {
			reopening := c.Status == domain.CaseStatusResolved
			reason := "customer replied"
			if reopening {
				reason = "reopened by customer reply"
			}
			if _, err := lifecycle.Apply(c, next, domain.ActorIngest, reason, now); err != nil {
				return err
			}
			if reopening {
				m.sla.Unfreeze(c, now)
			}
		}

		if ambiguous && c.SetFlag(domain.FlagNeedsReview) {
			c.Record(domain.TimelineEvent{
				ID:        uuid.NewString(),
				Kind:      domain.TimelineFlagged,
				Actor:     domain.ActorIngest,
				Timestamp: now,
				Reason:    "several open cases matched the reply",
				Details:   map[string]string{"flag": string(domain.FlagNeedsReview)},
			})
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateMessage) {
		result, found, lookupErr := m.duplicateOf(ctx, entry.ExternalMessageID)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		if found {
			m.metrics.RecordIngest("duplicate")
			return result, nil
		}
		return Result{}, err
	}
	if err != nil {
		if apperrors.IsRetryable(err) {
			m.metrics.RecordConflict()
		}
		m.metrics.RecordIngest("failed")
		return Result{}, err
	}

	m.logger.Info("message attached",
		zap.String("case_id", updated.ID),
		zap.String("case_number", updated.Number),
		zap.Bool("on_closed_case", onClosed),
		zap.Bool("ambiguous", ambiguous))
	m.metrics.RecordIngest(string(OutcomeAttached))

	list := []events.Event{events.NewThreadAppended(updated.ID, entry, onClosed)}
	list = append(list, events.StatusEvents(updated, timelineStart)...)
	m.publish(ctx, updated.ID, list)

	return Result{
		Outcome:    OutcomeAttached,
		CaseID:     updated.ID,
		CaseNumber: updated.Number,
		Ambiguous:  ambiguous,
	}, nil
}

func (m *Matcher) create(ctx context.Context, msg domain.InboundMessage) (Result, error) {
	text := strings.TrimSpace(msg.Subject + "\n\n" + msg.Body)
	classification, err := m.classifier.Classify(ctx, text)
	if err != nil {
		m.logger.Warn("classification failed; using keyword fallback", zap.Error(err))
		classification, _ = classify.NewKeywordClassifier().Classify(ctx, text)
		classification.Source = domain.ClassificationFallback
	}

	now := m.now()
	entry := inboundEntry(msg)
	c := &domain.Case{
		ID:                uuid.NewString(),
		Status:            domain.CaseStatusNew,
		Priority:          classification.Priority,
		Category:          classification.Category,
		Customer:          domain.CustomerInfo{Name: msg.SenderName, Address: msg.SenderAddress},
		Threads:           []domain.ThreadEntry{},
		Tasks:             []string{},
		Classification:    &classification,
		NormalizedSubject: NormalizeSubject(msg.Subject),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	c.AppendThread(entry)
	c.Record(domain.TimelineEvent{
		ID:         uuid.NewString(),
		Kind:       domain.TimelineCreated,
		NextStatus: domain.CaseStatusNew,
		Actor:      domain.ActorIngest,
		Timestamp:  now,
		Details: map[string]string{
			"classification_source": string(classification.Source),
			"external_message_id":   entry.ExternalMessageID,
		},
	})
	m.sla.Initialize(c)

	if err := m.store.Create(ctx, c); err != nil {
		if errors.Is(err, repository.ErrDuplicateMessage) {
			result, found, lookupErr := m.duplicateOf(ctx, entry.ExternalMessageID)
			if lookupErr == nil && found {
				m.metrics.RecordIngest("duplicate")
				return result, nil
			}
		}
		m.metrics.RecordIngest("failed")
		return Result{}, err
	}

	m.logger.Info("case created",
		zap.String("case_id", c.ID),
		zap.String("case_number", c.Number),
		zap.String("priority", string(c.Priority)),
		zap.String("category", c.Category),
		zap.String("classification_source", string(classification.Source)))
	m.metrics.RecordIngest(string(OutcomeCreated))

	m.publish(ctx, c.ID, []events.Event{events.NewCaseCreated(c)})

	return Result{Outcome: OutcomeCreated, CaseID: c.ID, CaseNumber: c.Number}, nil
}

func (m *Matcher) publish(ctx context.Context, caseID string, list []events.Event) {
	if err := events.PublishAll(ctx, m.dispatcher, list...); err != nil {
		m.logger.Warn("event handlers failed", zap.String("case_id", caseID), zap.Error(err))
	}
}

func inboundEntry(msg domain.InboundMessage) domain.ThreadEntry {
	return domain.ThreadEntry{
		ID:                uuid.NewString(),
		Direction:         domain.DirectionInbound,
		SenderName:        msg.SenderName,
		SenderAddress:     msg.SenderAddress,
		Subject:           msg.Subject,
		Body:              msg.Body,
		Timestamp:         msg.ReceivedAt,
		ExternalMessageID: msg.ExternalMessageID,
	}
}

// identityAddress accepts both bare addresses and "Name <addr>" forms.
func identityAddress(address string) string {
	if parsed, err := mail.ParseAddress(strings.TrimSpace(address)); err == nil {
		return normalizeAddress(parsed.Address)
	}
	return normalizeAddress(address)
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
