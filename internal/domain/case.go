package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// CaseStatus enumerates lifecycle states for cases.
type CaseStatus string

const (
	CaseStatusNew              CaseStatus = "New"
	CaseStatusInProgress       CaseStatus = "InProgress"
	CaseStatusAwaitingCustomer CaseStatus = "AwaitingCustomer"
	CaseStatusAwaitingVendor   CaseStatus = "AwaitingVendor"
	CaseStatusResolved         CaseStatus = "Resolved"
	CaseStatusClosed           CaseStatus = "Closed"
)

// AllCaseStatuses lists every status in lifecycle order.
var AllCaseStatuses = []CaseStatus{
	CaseStatusNew,
	CaseStatusInProgress,
	CaseStatusAwaitingCustomer,
	CaseStatusAwaitingVendor,
	CaseStatusResolved,
	CaseStatusClosed,
}

// OpenCaseStatuses are the statuses whose SLA still moves.
var OpenCaseStatuses = []CaseStatus{
	CaseStatusNew,
	CaseStatusInProgress,
	CaseStatusAwaitingCustomer,
	CaseStatusAwaitingVendor,
}

// ParseCaseStatus accepts only the enumerated values (case-insensitive).
func ParseCaseStatus(raw string) (CaseStatus, error) {
	value := strings.TrimSpace(raw)
	for _, status := range AllCaseStatuses {
		if strings.EqualFold(string(status), value) {
			return status, nil
		}
	}
	return "", apperrors.NewValidationError("unknown case status", map[string]any{"status": raw})
}

// Settled reports whether the SLA clock is stopped for this status.
func (s CaseStatus) Settled() bool {
	return s == CaseStatusResolved || s == CaseStatusClosed
}

// CasePriority enumerates SLA urgency.
type CasePriority string

const (
	CasePriorityLow      CasePriority = "Low"
	CasePriorityMedium   CasePriority = "Medium"
	CasePriorityHigh     CasePriority = "High"
	CasePriorityCritical CasePriority = "Critical"
)

var priorityOrder = []CasePriority{
	CasePriorityLow,
	CasePriorityMedium,
	CasePriorityHigh,
	CasePriorityCritical,
}

// ParseCasePriority accepts only the enumerated values (case-insensitive).
func ParseCasePriority(raw string) (CasePriority, error) {
	value := strings.TrimSpace(raw)
	for _, priority := range priorityOrder {
		if strings.EqualFold(string(priority), value) {
			return priority, nil
		}
	}
	return "", apperrors.NewValidationError("unknown case priority", map[string]any{"priority": raw})
}

// Raise returns the next higher priority; Critical saturates.
func (p CasePriority) Raise() CasePriority {
	for i, candidate := range priorityOrder {
		if candidate == p && i+1 < len(priorityOrder) {
			return priorityOrder[i+1]
		}
	}
	return CasePriorityCritical
}

// SLAStatus is derived from due_at on read.
type SLAStatus string

const (
	SLAOnTrack  SLAStatus = "on_track"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
)

// SLA holds the deadline and the last persisted derived status.
type SLA struct {
	DueAt    time.Time  `json:"due_at"`
	Status   SLAStatus  `json:"sla_status"`
	FrozenAt *time.Time `json:"frozen_at,omitempty"`
}

// CaseFlag marks a case for operator attention.
type CaseFlag string

const (
	FlagCommunicationFailed CaseFlag = "communication-failed"
	FlagNeedsReview         CaseFlag = "needs-review"
	FlagReopenRequested     CaseFlag = "reopen-requested"
	FlagEscalated           CaseFlag = "escalated"
)

// CustomerInfo identifies who the case is for.
type CustomerInfo struct {
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Reference map[string]string `json:"reference,omitempty"`
}

// ClassificationSource tells model output apart from the keyword fallback.
type ClassificationSource string

const (
	ClassificationModel    ClassificationSource = "model"
	ClassificationFallback ClassificationSource = "fallback"
)

// Classification is what the classifier said about the opening message.
type Classification struct {
	Category   string               `json:"category"`
	Priority   CasePriority         `json:"priority"`
	Sentiment  string               `json:"sentiment"`
	Urgency    string               `json:"urgency"`
	Confidence float64              `json:"confidence"`
	Source     ClassificationSource `json:"source"`
}

// Case is the aggregate for one customer issue.
type Case struct {
	ID                string          `json:"case_id"`
	Number            string          `json:"case_number"`
	Status            CaseStatus      `json:"status"`
	Priority          CasePriority    `json:"priority"`
	Category          string          `json:"category"`
	SLA               SLA             `json:"sla"`
	Customer          CustomerInfo    `json:"customer_info"`
	Threads           []ThreadEntry   `json:"threads"`
	Tasks             []string        `json:"tasks"`
	Timeline          []TimelineEvent `json:"timeline"`
	Assignee          *string         `json:"assignee,omitempty"`
	Flags             []CaseFlag      `json:"flags,omitempty"`
	Classification    *Classification `json:"classification,omitempty"`
	NormalizedSubject string          `json:"normalized_subject"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// HasFlag reports whether the flag is set.
func (c *Case) HasFlag(flag CaseFlag) bool {
	for _, existing := range c.Flags {
		if existing == flag {
			return true
		}
	}
	return false
}

// SetFlag adds the flag once; it returns false if it was already present.
func (c *Case) SetFlag(flag CaseFlag) bool {
	if c.HasFlag(flag) {
		return false
	}
	c.Flags = append(c.Flags, flag)
	return true
}

// HasTask reports whether the task id is linked.
func (c *Case) HasTask(taskID string) bool {
	for _, id := range c.Tasks {
		if id == taskID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so mutators can work on a scratch value.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.Threads = append([]ThreadEntry(nil), c.Threads...)
	out.Tasks = append([]string(nil), c.Tasks...)
	out.Timeline = append([]TimelineEvent(nil), c.Timeline...)
	out.Flags = append([]CaseFlag(nil), c.Flags...)
	if c.Assignee != nil {
		assignee := *c.Assignee
		out.Assignee = &assignee
	}
	if c.Classification != nil {
		classification := *c.Classification
		out.Classification = &classification
	}
	if c.ResolvedAt != nil {
		resolvedAt := *c.ResolvedAt
		out.ResolvedAt = &resolvedAt
	}
	if c.SLA.FrozenAt != nil {
		frozenAt := *c.SLA.FrozenAt
		out.SLA.FrozenAt = &frozenAt
	}
	if c.Customer.Reference != nil {
		out.Customer.Reference = make(map[string]string, len(c.Customer.Reference))
		for k, v := range c.Customer.Reference {
			out.Customer.Reference[k] = v
		}
	}
	return &out
}

// LastInbound returns the newest inbound entry, if any.
func (c *Case) LastInbound() *ThreadEntry {
	for i := len(c.Threads) - 1; i >= 0; i-- {
		if c.Threads[i].Direction == DirectionInbound {
			return &c.Threads[i]
		}
	}
	return nil
}

// CaseNumberPattern matches a human-facing case reference such as
// CS-20261016-0042.
var CaseNumberPattern = regexp.MustCompile(`CS-\d{8}-\d{4,}`)

// FormatCaseNumber renders the sequence for the UTC day of at.
func FormatCaseNumber(at time.Time, seq int64) string {
	return fmt.Sprintf("CS-%s-%04d", CaseNumberDay(at), seq)
}

// CaseNumberDay is the per-day sequence key.
func CaseNumberDay(at time.Time) string {
	return at.UTC().Format("20060102")
}
