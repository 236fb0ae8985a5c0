package dto

import (
	"time"

	"github.com/spec-kit/caseflow/internal/domain"
)

// TransitionRequest payload.
type TransitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// PriorityRequest payload.
type PriorityRequest struct {
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// AssignRequest payload. Escalate raises the priority as well.
type AssignRequest struct {
	Assignee string `json:"assignee"`
	Reason   string `json:"reason"`
	Escalate bool   `json:"escalate"`
}

// ReplyRequest payload.
type ReplyRequest struct {
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	AwaitCustomer bool   `json:"await_customer"`
}

// TaskRequest links a vendor task.
type TaskRequest struct {
	TaskID string `json:"task_id"`
}

// FlagRequest payload.
type FlagRequest struct {
	Flag   string `json:"flag"`
	Reason string `json:"reason"`
}

// SLAResponse is the deadline view of a case.
type SLAResponse struct {
	DueAt    time.Time        `json:"due_at"`
	Status   domain.SLAStatus `json:"sla_status"`
	FrozenAt *time.Time       `json:"frozen_at,omitempty"`
}

// ThreadEntryResponse represents one thread message.
type ThreadEntryResponse struct {
	ID                string           `json:"entry_id"`
	Direction         domain.Direction `json:"direction"`
	SenderName        string           `json:"sender_name"`
	SenderAddress     string           `json:"sender_address"`
	Subject           string           `json:"subject"`
	Body              string           `json:"body"`
	Timestamp         time.Time        `json:"timestamp"`
	ExternalMessageID string           `json:"external_message_id,omitempty"`
}

// TimelineEntryResponse represents one audit entry.
type TimelineEntryResponse struct {
	ID             string              `json:"event_id"`
	Kind           domain.TimelineKind `json:"kind"`
	PreviousStatus domain.CaseStatus   `json:"previous_status,omitempty"`
	NextStatus     domain.CaseStatus   `json:"next_status,omitempty"`
	Actor          string              `json:"actor"`
	Timestamp      time.Time           `json:"timestamp"`
	Reason         string              `json:"reason,omitempty"`
	Details        map[string]string   `json:"details,omitempty"`
}

// CaseSummary response.
type CaseSummary struct {
	ID         string              `json:"case_id"`
	Number     string              `json:"case_number"`
	Status     domain.CaseStatus   `json:"status"`
	Priority   domain.CasePriority `json:"priority"`
	Category   string              `json:"category"`
	SLA        SLAResponse         `json:"sla"`
	Assignee   *string             `json:"assignee,omitempty"`
	Flags      []domain.CaseFlag   `json:"flags,omitempty"`
	Customer   domain.CustomerInfo `json:"customer_info"`
	Version    int64               `json:"version"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
}

// CaseDetailResponse adds thread, tasks and timeline to the summary.
type CaseDetailResponse struct {
	CaseSummary
	Classification *domain.Classification  `json:"classification,omitempty"`
	Tasks          []string                `json:"tasks"`
	Threads        []ThreadEntryResponse   `json:"threads"`
	Timeline       []TimelineEntryResponse `json:"timeline"`
	Allowed        []domain.CaseStatus     `json:"allowed_transitions"`
}

// ReplyResponse identifies the queued outbound message.
type ReplyResponse struct {
	Case       CaseSummary `json:"case"`
	DispatchID string      `json:"dispatch_id"`
	MessageID  string      `json:"message_id"`
}

// SkipResponse represents an ignored inbound message.
type SkipResponse struct {
	ExternalMessageID string    `json:"external_message_id"`
	SenderAddress     string    `json:"sender_address"`
	Subject           string    `json:"subject"`
	Reason            string    `json:"reason"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// NewCaseSummary maps a case to its summary view.
func NewCaseSummary(c *domain.Case) CaseSummary {
	return CaseSummary{
		ID:       c.ID,
		Number:   c.Number,
		Status:   c.Status,
		Priority: c.Priority,
		Category: c.Category,
		SLA: SLAResponse{
			DueAt:    c.SLA.DueAt,
			Status:   c.SLA.Status,
			FrozenAt: c.SLA.FrozenAt,
		},
		Assignee:   c.Assignee,
		Flags:      c.Flags,
		Customer:   c.Customer,
		Version:    c.Version,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		ResolvedAt: c.ResolvedAt,
	}
}

// NewCaseDetail maps a case to its full view.
func NewCaseDetail(c *domain.Case, allowed []domain.CaseStatus) CaseDetailResponse {
	threads := make([]ThreadEntryResponse, 0, len(c.Threads))
	for _, entry := range c.Threads {
		threads = append(threads, ThreadEntryResponse(entry))
	}
	timeline := make([]TimelineEntryResponse, 0, len(c.Timeline))
	for _, event := range c.Timeline {
		timeline = append(timeline, TimelineEntryResponse(event))
	}
	tasks := c.Tasks
	if tasks == nil {
		tasks = []string{}
	}
	if allowed == nil {
		allowed = []domain.CaseStatus{}
	}
	return CaseDetailResponse{
		CaseSummary:    NewCaseSummary(c),
		Classification: c.Classification,
		Tasks:          tasks,
		Threads:        threads,
		Timeline:       timeline,
		Allowed:        allowed,
	}
}
