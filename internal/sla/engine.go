package sla

import (
	"time"

	"github.com/spec-kit/caseflow/internal/domain"
)

// Engine applies a Policy to cases. All methods are free of I/O.
type Engine struct {
	policy Policy
}

// NewEngine builds an engine; a zero margin falls back to DefaultRiskMargin.
func NewEngine(policy Policy) *Engine {
	if policy.RiskMargin <= 0 {
		policy.RiskMargin = DefaultRiskMargin
	}
	if policy.Durations == nil {
		policy.Durations = DefaultPolicy().Durations
	}
	return &Engine{policy: policy}
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// ComputeDueAt returns ref plus the policy window.
func (e *Engine) ComputeDueAt(priority domain.CasePriority, category string, ref time.Time) time.Time {
	return ref.Add(e.policy.Duration(priority, category))
}

// StatusAt classifies now against due.
func (e *Engine) StatusAt(due, now time.Time) domain.SLAStatus {
	switch {
	case !now.Before(due):
		return domain.SLABreached
	case !now.Before(due.Add(-e.policy.RiskMargin)):
		return domain.SLAAtRisk
	default:
		return domain.SLAOnTrack
	}
}

// Derive returns the SLA status for c at now. Settled cases report the value
// frozen when they settled.
func (e *Engine) Derive(c *domain.Case, now time.Time) domain.SLAStatus {
	if c.Status.Settled() {
		if c.SLA.Status != "" {
			return c.SLA.Status
		}
		if c.SLA.FrozenAt != nil {
			return e.StatusAt(c.SLA.DueAt, *c.SLA.FrozenAt)
		}
		return domain.SLAOnTrack
	}
	return e.StatusAt(c.SLA.DueAt, now)
}

// Initialize sets due_at and status for a newly created case.
func (e *Engine) Initialize(c *domain.Case) {
	c.SLA.DueAt = e.ComputeDueAt(c.Priority, c.Category, c.CreatedAt)
	c.SLA.Status = e.StatusAt(c.SLA.DueAt, c.CreatedAt)
	c.SLA.FrozenAt = nil
}

// Freeze pins the status at the moment the case settles. It is a no-op when
// already frozen.
func (e *Engine) Freeze(c *domain.Case, at time.Time) {
	if c.SLA.FrozenAt != nil {
		return
	}
	c.SLA.Status = e.StatusAt(c.SLA.DueAt, at)
	frozenAt := at
	c.SLA.FrozenAt = &frozenAt
}

// Unfreeze lets the status move again after a reopen. due_at is kept.
func (e *Engine) Unfreeze(c *domain.Case, at time.Time) {
	c.SLA.FrozenAt = nil
	c.SLA.Status = e.StatusAt(c.SLA.DueAt, at)
}

// Reprioritize sets the new priority and recomputes due_at from created_at.
// It reports false and leaves the case alone when nothing changes.
func (e *Engine) Reprioritize(c *domain.Case, priority domain.CasePriority, at time.Time) bool {
	if c.Priority == priority {
		return false
	}
	c.Priority = priority
	c.SLA.DueAt = e.ComputeDueAt(priority, c.Category, c.CreatedAt)
	if !c.Status.Settled() {
		c.SLA.Status = e.StatusAt(c.SLA.DueAt, at)
	}
	return true
}

// Refresh re-derives the stored status; it returns the previous value and
// whether it changed.
func (e *Engine) Refresh(c *domain.Case, now time.Time) (domain.SLAStatus, bool) {
	previous := c.SLA.Status
	next := e.Derive(c, now)
	c.SLA.Status = next
	return previous, previous != next
}
