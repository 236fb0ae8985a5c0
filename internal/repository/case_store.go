package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// ErrDuplicateMessage reports that an external message id is already
// indexed against some case.
var ErrDuplicateMessage = errors.New("external message id already recorded")

// DefaultUpdateAttempts bounds UpdateWithRetry.
const DefaultUpdateAttempts = 5

// Mutator edits a scratch copy of a case inside the write transaction.
// Returning an error aborts the write.
type Mutator func(c *domain.Case) error

// MessageRef points an external message id at the case holding it.
type MessageRef struct {
	CaseID     string
	OpenedCase bool
}

// SkipRecord captures an inbound message that was deliberately ignored.
type SkipRecord struct {
	ID                string    `json:"id"`
	ExternalMessageID string    `json:"external_message_id"`
	SenderAddress     string    `json:"sender_address"`
	Subject           string    `json:"subject"`
	Reason            string    `json:"reason"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// Marker identifies one workflow action execution.
type Marker struct {
	RuleID  string
	CaseID  string
	EventID string
}

// CaseStore persists cases with optimistic concurrency.
type CaseStore interface {
	// Create assigns the case number and version 1 and indexes the message
	// ids of the initial entries.
	Create(ctx context.Context, c *domain.Case) error
	Get(ctx context.Context, caseID string) (*domain.Case, error)
	GetByNumber(ctx context.Context, number string) (*domain.Case, error)
	AppendThread(ctx context.Context, caseID string, entry domain.ThreadEntry, expectedVersion int64) (*domain.Case, error)
	Update(ctx context.Context, caseID string, expectedVersion int64, mutate Mutator) (*domain.Case, error)
	LookupMessage(ctx context.Context, externalID string) (MessageRef, error)
	// FindOpenBySender returns non-Closed cases for the address updated at
	// or after activeSince, most recent first.
	FindOpenBySender(ctx context.Context, address string, activeSince time.Time) ([]*domain.Case, error)
	ListByStatus(ctx context.Context, statuses []domain.CaseStatus, limit int) ([]*domain.Case, error)
	RecordSkip(ctx context.Context, record SkipRecord) error
	ListSkips(ctx context.Context, limit int) ([]SkipRecord, error)
}

// CursorStore persists inbound source positions.
type CursorStore interface {
	LoadCursor(ctx context.Context, source string) (string, error)
	SaveCursor(ctx context.Context, source, cursor string) error
}

// MarkerStore records workflow executions. Mark returns false when the
// marker already existed.
type MarkerStore interface {
	Mark(ctx context.Context, marker Marker) (bool, error)
}

// UpdateWithRetry loads the case, applies mutate and writes it back,
// reloading on version conflicts up to attempts times.
func UpdateWithRetry(ctx context.Context, store CaseStore, caseID string, attempts int, mutate Mutator) (*domain.Case, error) {
	if attempts <= 0 {
		attempts = DefaultUpdateAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := store.Get(ctx, caseID)
		if err != nil {
			return nil, err
		}
		updated, err := store.Update(ctx, caseID, current.Version, mutate)
		if err == nil {
			return updated, nil
		}
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

type clockOption struct{ now func() time.Time }

// Option configures a store.
type Option func(*clockOption)

// WithClock overrides the time source used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(o *clockOption) { o.now = now }
}

func resolveClock(opts []Option) func() time.Time {
	o := clockOption{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o.now
}

// applyMutation runs mutate on a copy of current and returns the result with
// the message ids it added.
func applyMutation(current *domain.Case, mutate Mutator, now time.Time) (*domain.Case, []string, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, nil, err
	}
	next.ID = current.ID
	next.Number = current.Number
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	if now.After(current.UpdatedAt) {
		next.UpdatedAt = now
	} else {
		next.UpdatedAt = current.UpdatedAt
	}

	known := make(map[string]struct{}, len(current.Threads))
	for _, id := range current.MessageIDs() {
		known[id] = struct{}{}
	}
	var added []string
	for _, id := range next.MessageIDs() {
		if _, ok := known[id]; ok {
			continue
		}
		known[id] = struct{}{}
		added = append(added, id)
	}
	return next, added, nil
}

func appendMutator(entry domain.ThreadEntry) Mutator {
	return func(c *domain.Case) error {
		if c.HasMessage(entry.ExternalMessageID) {
			return ErrDuplicateMessage
		}
		c.AppendThread(entry)
		return nil
	}
}

func encodeCase(c *domain.Case) ([]byte, error) {
	return json.Marshal(c)
}

func decodeCase(raw []byte) (*domain.Case, error) {
	var c domain.Case
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func senderKey(c *domain.Case) string {
	return normalizeAddress(c.Customer.Address)
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func caseNotFound(key, value string) error {
	return apperrors.NewNotFound("case", map[string]any{key: value})
}
