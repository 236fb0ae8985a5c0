package workflow

import (
	"fmt"
	"strings"

	"github.com/spec-kit/caseflow/internal/config"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// FromSpecs converts policy-file rules. List conditions hold when the case
// matches any listed value; every non-empty condition must hold.
func FromSpecs(specs []config.RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := fromSpec(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func fromSpec(spec config.RuleSpec) (Rule, error) {
	trigger, err := events.ParseTrigger(spec.Trigger)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", spec.ID, err)
	}
	kind, err := ParseActionKind(spec.Action.Kind)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", spec.ID, err)
	}

	action := Action{
		Kind:      kind,
		Assignee:  strings.TrimSpace(spec.Action.Assignee),
		Flag:      domain.CaseFlag(strings.TrimSpace(spec.Action.Flag)),
		Recipient: strings.TrimSpace(spec.Action.Recipient),
		Subject:   spec.Action.Subject,
		Body:      spec.Action.Body,
		Reason:    spec.Action.Reason,
	}
	if spec.Action.Status != "" {
		status, err := domain.ParseCaseStatus(spec.Action.Status)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		action.Status = status
	}

	condition, err := buildCondition(spec.When)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", spec.ID, err)
	}
	match, err := buildMatch(trigger, spec.When)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", spec.ID, err)
	}

	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return Rule{
		ID:        spec.ID,
		Name:      name,
		Trigger:   trigger,
		Order:     spec.Order,
		Condition: condition,
		Match:     match,
		Action:    action,
	}, nil
}

func buildCondition(when config.ConditionSpec) (func(*domain.Case) bool, error) {
	var checks []func(*domain.Case) bool

	if len(when.Priorities) > 0 {
		allowed := make(map[domain.CasePriority]bool)
		for _, raw := range when.Priorities {
			priority, err := domain.ParseCasePriority(raw)
			if err != nil {
				return nil, err
			}
			allowed[priority] = true
		}
		checks = append(checks, func(c *domain.Case) bool { return allowed[c.Priority] })
	}

	if len(when.Statuses) > 0 {
		allowed := make(map[domain.CaseStatus]bool)
		for _, raw := range when.Statuses {
			status, err := domain.ParseCaseStatus(raw)
			if err != nil {
				return nil, err
			}
			allowed[status] = true
		}
		checks = append(checks, func(c *domain.Case) bool { return allowed[c.Status] })
	}

	if len(when.Categories) > 0 {
		allowed := make(map[string]bool)
		for _, raw := range when.Categories {
			allowed[strings.ToLower(strings.TrimSpace(raw))] = true
		}
		checks = append(checks, func(c *domain.Case) bool { return allowed[strings.ToLower(c.Category)] })
	}

	if len(when.SLAStatuses) > 0 {
		allowed := make(map[domain.SLAStatus]bool)
		for _, raw := range when.SLAStatuses {
			status := domain.SLAStatus(strings.ToLower(strings.TrimSpace(raw)))
			switch status {
			case domain.SLAOnTrack, domain.SLAAtRisk, domain.SLABreached:
			default:
				return nil, apperrors.NewValidationError("unknown sla status", map[string]any{"sla_status": raw})
			}
			allowed[status] = true
		}
		checks = append(checks, func(c *domain.Case) bool { return allowed[c.SLA.Status] })
	}

	if len(when.Flags) > 0 {
		flags := make([]domain.CaseFlag, 0, len(when.Flags))
		for _, raw := range when.Flags {
			flags = append(flags, domain.CaseFlag(strings.TrimSpace(raw)))
		}
		checks = append(checks, func(c *domain.Case) bool {
			for _, flag := range flags {
				if c.HasFlag(flag) {
					return true
				}
			}
			return false
		})
	}

	if needle := strings.ToLower(strings.TrimSpace(when.SubjectContains)); needle != "" {
		checks = append(checks, func(c *domain.Case) bool {
			return strings.Contains(strings.ToLower(c.NormalizedSubject), needle)
		})
	}

	if when.Unassigned {
		checks = append(checks, func(c *domain.Case) bool {
			return c.Assignee == nil || *c.Assignee == ""
		})
	}

	if len(checks) == 0 {
		return nil, nil
	}
	return func(c *domain.Case) bool {
		for _, check := range checks {
			if !check(c) {
				return false
			}
		}
		return true
	}, nil
}

func buildMatch(trigger events.Trigger, when config.ConditionSpec) (func(events.Event) bool, error) {
	switch {
	case when.ToStatus != "":
		if trigger != events.TriggerStatusChanged {
			return nil, apperrors.NewValidationError("to_status only applies to StatusChanged rules", nil)
		}
		status, err := domain.ParseCaseStatus(when.ToStatus)
		if err != nil {
			return nil, err
		}
		return func(event events.Event) bool {
			changed, ok := event.(events.StatusChanged)
			return ok && changed.To == status
		}, nil

	case when.Direction != "":
		if trigger != events.TriggerThreadAppended {
			return nil, apperrors.NewValidationError("direction only applies to ThreadAppended rules", nil)
		}
		var direction domain.Direction
		switch {
		case strings.EqualFold(when.Direction, string(domain.DirectionInbound)):
			direction = domain.DirectionInbound
		case strings.EqualFold(when.Direction, string(domain.DirectionOutbound)):
			direction = domain.DirectionOutbound
		default:
			return nil, apperrors.NewValidationError("unknown direction", map[string]any{"direction": when.Direction})
		}
		return func(event events.Event) bool {
			appended, ok := event.(events.ThreadAppended)
			return ok && appended.Direction == direction
		}, nil
	}
	return nil, nil
}
