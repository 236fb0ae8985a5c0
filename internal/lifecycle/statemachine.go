// Package lifecycle holds the case status transition table. It is pure:
// nothing here touches storage or the clock.
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

var allowedTransitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.CaseStatusNew:              {domain.CaseStatusInProgress},
	domain.CaseStatusInProgress:       {domain.CaseStatusAwaitingCustomer, domain.CaseStatusAwaitingVendor, domain.CaseStatusResolved},
	domain.CaseStatusAwaitingCustomer: {domain.CaseStatusInProgress, domain.CaseStatusResolved},
	domain.CaseStatusAwaitingVendor:   {domain.CaseStatusInProgress, domain.CaseStatusResolved},
	domain.CaseStatusResolved:         {domain.CaseStatusClosed, domain.CaseStatusInProgress},
	domain.CaseStatusClosed:           {},
}

// CanTransition reports whether current -> next is in the table.
func CanTransition(current, next domain.CaseStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Allowed returns the statuses reachable from current in one step.
func Allowed(current domain.CaseStatus) []domain.CaseStatus {
	return append([]domain.CaseStatus(nil), allowedTransitions[current]...)
}

// Apply moves the case to next and records the timeline event. An illegal
// transition returns InvariantViolation and leaves the case untouched.
func Apply(c *domain.Case, next domain.CaseStatus, actor, reason string, at time.Time) (domain.TimelineEvent, error) {
	if c == nil {
		return domain.TimelineEvent{}, apperrors.NewValidationError("case required", nil)
	}
	if _, known := allowedTransitions[next]; !known {
		return domain.TimelineEvent{}, apperrors.NewValidationError("unknown case status", map[string]any{"status": next})
	}
	if !CanTransition(c.Status, next) {
		return domain.TimelineEvent{}, apperrors.NewInvariantViolation("illegal status transition", map[string]any{
			"case_id": c.ID,
			"from":    c.Status,
			"to":      next,
		})
	}

	event := domain.TimelineEvent{
		ID:             uuid.NewString(),
		Kind:           domain.TimelineStatusChanged,
		PreviousStatus: c.Status,
		NextStatus:     next,
		Actor:          actor,
		Timestamp:      at,
		Reason:         reason,
	}
	c.Status = next
	switch next {
	case domain.CaseStatusResolved:
		resolvedAt := at
		c.ResolvedAt = &resolvedAt
	case domain.CaseStatusClosed:
	default:
		c.ResolvedAt = nil
	}
	c.Record(event)
	return event, nil
}

// ImpliedByInbound returns the transition a new customer message implies,
// if any.
func ImpliedByInbound(current domain.CaseStatus) (domain.CaseStatus, bool) {
	switch current {
	case domain.CaseStatusAwaitingCustomer, domain.CaseStatusResolved:
		return domain.CaseStatusInProgress, true
	}
	return "", false
}
