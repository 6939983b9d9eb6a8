package domain

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

// Weight is the risk score contribution of one matched rule.
func (s Severity) Weight() int {
	switch s {
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 20
	case SeverityLow:
		return 10
	default:
		return 0
	}
}

// Rank orders severities for alerting; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Rule is a user-authored fraud rule. Conditions hold the raw predicate tree
// exactly as authored; it is only interpreted by the rule compiler.
type Rule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Active      bool            `json:"active"`
	Conditions  json.RawMessage `json:"conditions"`
	Event       RuleEvent       `json:"event"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// RuleEvent is emitted verbatim into a decision when its rule matches.
type RuleEvent struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	RuleID   string   `json:"ruleId"`
}

type legacyRuleEvent struct {
	Type   string `json:"type"`
	Params struct {
		Message  string   `json:"message"`
		Severity Severity `json:"severity"`
		RuleID   string   `json:"rule_id"`
	} `json:"params"`
}

// UnmarshalJSON accepts both the flat event shape and the older
// {"type", "params": {...}} shape written by the first rule composer.
func (e *RuleEvent) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if _, legacy := probe["params"]; legacy {
		var old legacyRuleEvent
		if err := json.Unmarshal(data, &old); err != nil {
			return err
		}
		*e = RuleEvent{
			Kind:     old.Type,
			Message:  old.Params.Message,
			Severity: old.Params.Severity,
			RuleID:   old.Params.RuleID,
		}
		return nil
	}

	type plain RuleEvent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = RuleEvent(p)
	return nil
}

func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = append(json.RawMessage(nil), r.Conditions...)
	}
	return &c
}
