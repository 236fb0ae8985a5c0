package domain

import "time"

// TimelineKind captures what happened in a timeline entry.
type TimelineKind string

const (
	TimelineCreated         TimelineKind = "created"
	TimelineStatusChanged   TimelineKind = "status_changed"
	TimelinePriorityChanged TimelineKind = "priority_changed"
	TimelineThreadAppended  TimelineKind = "thread_appended"
	TimelineAssigned        TimelineKind = "assigned"
	TimelineEscalated       TimelineKind = "escalated"
	TimelineTaskLinked      TimelineKind = "task_linked"
	TimelineFlagged         TimelineKind = "flagged"
	TimelineActionFailed    TimelineKind = "action_failed"
	TimelineDispatchFailed  TimelineKind = "dispatch_failed"
	TimelineSLAChanged      TimelineKind = "sla_changed"
)

// TimelineEvent is an immutable audit trail entry.
type TimelineEvent struct {
	ID             string            `json:"event_id"`
	Kind           TimelineKind      `json:"kind"`
	PreviousStatus CaseStatus        `json:"previous_status,omitempty"`
	NextStatus     CaseStatus        `json:"next_status,omitempty"`
	Actor          string            `json:"actor"`
	Timestamp      time.Time         `json:"timestamp"`
	Reason         string            `json:"reason,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// Record appends a timeline event; the timeline is append-only.
func (c *Case) Record(event TimelineEvent) {
	c.Timeline = append(c.Timeline, event)
}

// Well-known actors.
const (
	ActorSystem   = "system"
	ActorIngest   = "ingest"
	ActorWorkflow = "workflow"
	ActorSLA      = "sla"
	ActorDispatch = "dispatch"
)
