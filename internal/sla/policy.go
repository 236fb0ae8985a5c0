// Package sla computes case deadlines and derives on_track/at_risk/breached
// from them.
package sla

import (
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/caseflow/internal/config"
	"github.com/spec-kit/caseflow/internal/domain"
)

// DefaultRiskMargin is how long before due_at a case counts as at risk.
const DefaultRiskMargin = 10 * time.Minute

// Policy maps priorities (and optionally categories) to resolution windows.
type Policy struct {
	Durations         map[domain.CasePriority]time.Duration
	CategoryOverrides map[string]map[domain.CasePriority]time.Duration
	RiskMargin        time.Duration
}

// DefaultPolicy returns Critical=2h, High=4h, Medium=24h, Low=72h.
func DefaultPolicy() Policy {
	return Policy{
		Durations: map[domain.CasePriority]time.Duration{
			domain.CasePriorityCritical: 2 * time.Hour,
			domain.CasePriorityHigh:     4 * time.Hour,
			domain.CasePriorityMedium:   24 * time.Hour,
			domain.CasePriorityLow:      72 * time.Hour,
		},
		RiskMargin: DefaultRiskMargin,
	}
}

// Duration resolves the window for priority, preferring a category override.
func (p Policy) Duration(priority domain.CasePriority, category string) time.Duration {
	if overrides, ok := p.CategoryOverrides[strings.ToLower(category)]; ok {
		if d, ok := overrides[priority]; ok {
			return d
		}
	}
	if d, ok := p.Durations[priority]; ok {
		return d
	}
	return DefaultPolicy().Durations[priority]
}

// ParseDurations reads "Critical=2h,High=4h" into a priority table.
func ParseDurations(raw string) (map[domain.CasePriority]time.Duration, error) {
	out := make(map[domain.CasePriority]time.Duration)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("sla policy entry %q: expected Priority=duration", part)
		}
		priority, err := domain.ParseCasePriority(key)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("sla policy entry %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("sla policy entry %q: duration must be positive", part)
		}
		out[priority] = d
	}
	return out, nil
}

// Merge overlays non-empty values from other onto p.
func (p Policy) Merge(other Policy) Policy {
	merged := Policy{
		Durations:         make(map[domain.CasePriority]time.Duration, len(p.Durations)),
		CategoryOverrides: make(map[string]map[domain.CasePriority]time.Duration),
		RiskMargin:        p.RiskMargin,
	}
	for k, v := range p.Durations {
		merged.Durations[k] = v
	}
	for k, v := range other.Durations {
		merged.Durations[k] = v
	}
	for _, src := range []map[string]map[domain.CasePriority]time.Duration{p.CategoryOverrides, other.CategoryOverrides} {
		for category, table := range src {
			key := strings.ToLower(category)
			if merged.CategoryOverrides[key] == nil {
				merged.CategoryOverrides[key] = make(map[domain.CasePriority]time.Duration)
			}
			for priority, d := range table {
				merged.CategoryOverrides[key][priority] = d
			}
		}
	}
	if other.RiskMargin > 0 {
		merged.RiskMargin = other.RiskMargin
	}
	return merged
}

// LoadPolicy builds the policy from the env table and risk margin, then
// overlays the policy file's [sla] section.
func LoadPolicy(cfg config.SLAConfig, file config.SLAPolicySpec) (Policy, error) {
	policy := DefaultPolicy()
	if strings.TrimSpace(cfg.Policy) != "" {
		durations, err := ParseDurations(cfg.Policy)
		if err != nil {
			return Policy{}, err
		}
		policy = policy.Merge(Policy{Durations: durations, RiskMargin: cfg.RiskMargin})
	} else if cfg.RiskMargin > 0 {
		policy.RiskMargin = cfg.RiskMargin
	}

	overlay := Policy{
		Durations:         make(map[domain.CasePriority]time.Duration),
		CategoryOverrides: make(map[string]map[domain.CasePriority]time.Duration),
	}
	if file.RiskMargin != "" {
		margin, err := time.ParseDuration(file.RiskMargin)
		if err != nil || margin < 0 {
			return Policy{}, fmt.Errorf("sla risk_margin %q: invalid duration", file.RiskMargin)
		}
		overlay.RiskMargin = margin
	}
	table, err := parseTable(file.Durations)
	if err != nil {
		return Policy{}, err
	}
	overlay.Durations = table
	for category, raw := range file.Categories {
		table, err := parseTable(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("sla category %s: %w", category, err)
		}
		overlay.CategoryOverrides[strings.ToLower(category)] = table
	}
	return policy.Merge(overlay), nil
}

func parseTable(raw map[string]string) (map[domain.CasePriority]time.Duration, error) {
	out := make(map[domain.CasePriority]time.Duration, len(raw))
	for key, value := range raw {
		priority, err := domain.ParseCasePriority(key)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("sla duration %s=%q: must be a positive duration", key, value)
		}
		out[priority] = d
	}
	return out, nil
}
