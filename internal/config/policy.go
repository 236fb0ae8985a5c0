package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// PolicyFile is the optional TOML document holding SLA overrides and
// workflow rules.
//
//	[sla]
//	risk_margin = "15m"
//	[sla.durations]
//	Critical = "1h"
//	[sla.categories.billing]
//	High = "8h"
//
//	[[rule]]
//	id = "assign-critical"
//	trigger = "CaseCreated"
//	order = 10
//	[rule.when]
//	priorities = ["Critical"]
//	[rule.action]
//	kind = "Assign"
//	assignee = "oncall"
type PolicyFile struct {
	SLA   SLAPolicySpec `toml:"sla"`
	Rules []RuleSpec    `toml:"rule"`
}

// SLAPolicySpec overrides the env SLA policy.
type SLAPolicySpec struct {
	RiskMargin string                       `toml:"risk_margin"`
	Durations  map[string]string            `toml:"durations"`
	Categories map[string]map[string]string `toml:"categories"`
}

// RuleSpec is one workflow rule as written in the policy file.
type RuleSpec struct {
	ID      string        `toml:"id"`
	Name    string        `toml:"name"`
	Trigger string        `toml:"trigger"`
	Order   int           `toml:"order"`
	When    ConditionSpec `toml:"when"`
	Action  ActionSpec    `toml:"action"`
}

// ConditionSpec lists case and event predicates; every non-empty field must
// hold.
type ConditionSpec struct {
	Priorities      []string `toml:"priorities"`
	Statuses        []string `toml:"statuses"`
	Categories      []string `toml:"categories"`
	SLAStatuses     []string `toml:"sla_statuses"`
	Flags           []string `toml:"flags"`
	SubjectContains string   `toml:"subject_contains"`
	Unassigned      bool     `toml:"unassigned"`
	ToStatus        string   `toml:"to_status"`
	Direction       string   `toml:"direction"`
}

// ActionSpec describes what a rule does when it fires.
type ActionSpec struct {
	Kind      string `toml:"kind"`
	Assignee  string `toml:"assignee"`
	Status    string `toml:"status"`
	Flag      string `toml:"flag"`
	Recipient string `toml:"recipient"`
	Subject   string `toml:"subject"`
	Body      string `toml:"body"`
	Reason    string `toml:"reason"`
}

// LoadPolicyFile decodes path; an empty path yields an empty policy.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	var policy PolicyFile
	if path == "" {
		return &policy, nil
	}
	meta, err := toml.DecodeFile(path, &policy)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("policy file %s: unknown keys %v", path, undecoded)
	}
	return &policy, nil
}
