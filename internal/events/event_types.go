package events

import (
	"fmt"
	"time"

	"github.com/spec-kit/caseflow/internal/domain"
)

// Trigger identifies the kind of event a workflow rule listens for.
type Trigger string

const (
	TriggerCaseCreated    Trigger = "CaseCreated"
	TriggerStatusChanged  Trigger = "StatusChanged"
	TriggerSlaBreached    Trigger = "SlaBreached"
	TriggerThreadAppended Trigger = "ThreadAppended"
)

// AllTriggers lists every trigger.
var AllTriggers = []Trigger{
	TriggerCaseCreated,
	TriggerStatusChanged,
	TriggerSlaBreached,
	TriggerThreadAppended,
}

// ParseTrigger rejects unknown trigger names.
func ParseTrigger(raw string) (Trigger, error) {
	for _, t := range AllTriggers {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown trigger %q", raw)
}

// Event is one of CaseCreated, StatusChanged, SlaBreached or ThreadAppended.
// The set is closed; type switches over it can be exhaustive.
type Event interface {
	EventID() string
	CaseID() string
	OccurredAt() time.Time
	Trigger() Trigger
	isEvent()
}

// Meta is shared by every event. IDs are deterministic so replays collide
// on the same workflow markers.
type Meta struct {
	ID   string    `json:"event_id"`
	Case string    `json:"case_id"`
	At   time.Time `json:"occurred_at"`
}

func (m Meta) EventID() string       { return m.ID }
func (m Meta) CaseID() string        { return m.Case }
func (m Meta) OccurredAt() time.Time { return m.At }

// CaseCreated is raised once per case.
type CaseCreated struct {
	Meta
	Number   string              `json:"case_number"`
	Priority domain.CasePriority `json:"priority"`
	Category string              `json:"category"`
}

// StatusChanged mirrors one status_changed timeline entry.
type StatusChanged struct {
	Meta
	From   domain.CaseStatus `json:"previous_status"`
	To     domain.CaseStatus `json:"next_status"`
	Actor  string            `json:"actor"`
	Reason string            `json:"reason,omitempty"`
}

// SlaBreached is raised by the sweeper when a case flips to breached.
type SlaBreached struct {
	Meta
	DueAt    time.Time           `json:"due_at"`
	Priority domain.CasePriority `json:"priority"`
}

// ThreadAppended is raised for every new thread entry.
type ThreadAppended struct {
	Meta
	EntryID      string           `json:"entry_id"`
	Direction    domain.Direction `json:"direction"`
	OnClosedCase bool             `json:"on_closed_case"`
}

func (CaseCreated) Trigger() Trigger    { return TriggerCaseCreated }
func (StatusChanged) Trigger() Trigger  { return TriggerStatusChanged }
func (SlaBreached) Trigger() Trigger    { return TriggerSlaBreached }
func (ThreadAppended) Trigger() Trigger { return TriggerThreadAppended }

func (CaseCreated) isEvent()    {}
func (StatusChanged) isEvent()  {}
func (SlaBreached) isEvent()    {}
func (ThreadAppended) isEvent() {}

// NewCaseCreated builds the creation event for c.
func NewCaseCreated(c *domain.Case) CaseCreated {
	return CaseCreated{
		Meta:     Meta{ID: "case-created:" + c.ID, Case: c.ID, At: c.CreatedAt},
		Number:   c.Number,
		Priority: c.Priority,
		Category: c.Category,
	}
}

// NewStatusChanged builds the event for a recorded status transition.
func NewStatusChanged(caseID string, entry domain.TimelineEvent) StatusChanged {
	return StatusChanged{
		Meta:   Meta{ID: entry.ID, Case: caseID, At: entry.Timestamp},
		From:   entry.PreviousStatus,
		To:     entry.NextStatus,
		Actor:  entry.Actor,
		Reason: entry.Reason,
	}
}

// NewSlaBreached builds the breach event; one per case and deadline.
func NewSlaBreached(c *domain.Case, at time.Time) SlaBreached {
	return SlaBreached{
		Meta:     Meta{ID: fmt.Sprintf("sla-breached:%s:%d", c.ID, c.SLA.DueAt.Unix()), Case: c.ID, At: at},
		DueAt:    c.SLA.DueAt,
		Priority: c.Priority,
	}
}

// NewThreadAppended builds the event for a stored thread entry.
func NewThreadAppended(caseID string, entry domain.ThreadEntry, onClosed bool) ThreadAppended {
	return ThreadAppended{
		Meta:         Meta{ID: "thread:" + entry.ID, Case: caseID, At: entry.Timestamp},
		EntryID:      entry.ID,
		Direction:    entry.Direction,
		OnClosedCase: onClosed,
	}
}

// StatusEvents converts the status_changed entries recorded after index
// from into events.
func StatusEvents(c *domain.Case, from int) []Event {
	var out []Event
	for i := from; i < len(c.Timeline); i++ {
		if c.Timeline[i].Kind == domain.TimelineStatusChanged {
			out = append(out, NewStatusChanged(c.ID, c.Timeline[i]))
		}
	}
	return out
}
