// Package workflow evaluates trigger/condition/action rules against case
// events.
package workflow

import (
	"fmt"
	"strings"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// ActionKind groups actions; at most one rule per kind fires for an event.
type ActionKind string

const (
	ActionAssign       ActionKind = "Assign"
	ActionEscalate     ActionKind = "Escalate"
	ActionNotify       ActionKind = "Notify"
	ActionChangeStatus ActionKind = "ChangeStatus"
	ActionFlag         ActionKind = "Flag"
)

var allActionKinds = []ActionKind{ActionAssign, ActionEscalate, ActionNotify, ActionChangeStatus, ActionFlag}

// ParseActionKind accepts the enumerated kinds, case-insensitively.
func ParseActionKind(raw string) (ActionKind, error) {
	for _, kind := range allActionKinds {
		if strings.EqualFold(string(kind), strings.TrimSpace(raw)) {
			return kind, nil
		}
	}
	return "", apperrors.NewValidationError("unknown action kind", map[string]any{"kind": raw})
}

// RecipientCustomer addresses a notification to the case's customer.
const RecipientCustomer = "customer"

// Action is what a rule does. Only the fields relevant to Kind are read.
type Action struct {
	Kind      ActionKind
	Assignee  string
	Status    domain.CaseStatus
	Flag      domain.CaseFlag
	Recipient string
	Subject   string
	Body      string
	Reason    string
}

// Rule fires Action for events of Trigger whose case satisfies Condition and
// whose payload satisfies Match. Nil predicates always hold.
type Rule struct {
	ID        string
	Name      string
	Trigger   events.Trigger
	Order     int
	Condition func(*domain.Case) bool
	Match     func(events.Event) bool
	Action    Action
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return apperrors.NewValidationError("rule id is required", nil)
	}
	if _, err := events.ParseTrigger(string(r.Trigger)); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	switch r.Action.Kind {
	case ActionAssign:
		if r.Action.Assignee == "" {
			return apperrors.NewValidationError("assign rule needs an assignee", map[string]any{"rule_id": r.ID})
		}
	case ActionChangeStatus:
		if _, err := domain.ParseCaseStatus(string(r.Action.Status)); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	case ActionFlag:
		if r.Action.Flag == "" {
			return apperrors.NewValidationError("flag rule needs a flag", map[string]any{"rule_id": r.ID})
		}
	case ActionNotify:
		if r.Action.Subject == "" && r.Action.Body == "" {
			return apperrors.NewValidationError("notify rule needs a subject or body", map[string]any{"rule_id": r.ID})
		}
	case ActionEscalate:
	default:
		return apperrors.NewValidationError("unknown action kind", map[string]any{"rule_id": r.ID, "kind": r.Action.Kind})
	}
	return nil
}

// ReopenRequestedRule flags cases that received customer mail after they
// were closed.
func ReopenRequestedRule() Rule {
	return Rule{
		ID:      "builtin-reopen-requested",
		Name:    "Flag closed cases with new customer mail",
		Trigger: events.TriggerThreadAppended,
		Order:   -1,
		Match: func(event events.Event) bool {
			appended, ok := event.(events.ThreadAppended)
			return ok && appended.OnClosedCase && appended.Direction == domain.DirectionInbound
		},
		Action: Action{
			Kind:   ActionFlag,
			Flag:   domain.FlagReopenRequested,
			Reason: "customer wrote to a closed case",
		},
	}
}
