package domain

import (
	"math"
	"time"
)

const (
	DefaultDecisionPageSize = 20
	MaxDecisionPageSize     = 100
	MaxRiskScore            = 100

	// MaxDecisionPage keeps the row offset of any page within an int32.
	MaxDecisionPage = math.MaxInt32 / MaxDecisionPageSize
)

type MatchedRule struct {
	RuleID   string   `json:"ruleId"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every active rule against one
// transaction. Timestamp is the decision time, not the transaction time.
type Decision struct {
	TransactionID string        `json:"transactionId"`
	Timestamp     time.Time     `json:"timestamp"`
	Facts         Facts         `json:"facts"`
	MatchedRules  []MatchedRule `json:"matchedRules"`
	IsFraudulent  bool          `json:"isFraudulent"`
	RiskScore     int           `json:"riskScore"`
}

// RiskScore sums severity weights and caps the total at MaxRiskScore.
// Identical matches are not deduplicated.
func RiskScore(matched []MatchedRule) int {
	var score int
	for _, m := range matched {
		score += m.Severity.Weight()
	}
	return min(score, MaxRiskScore)
}

// HighestSeverity returns the most severe matched severity, or "" when
// nothing matched.
func (d Decision) HighestSeverity() Severity {
	var top Severity
	for _, m := range d.MatchedRules {
		if m.Severity.Rank() > top.Rank() {
			top = m.Severity
		}
	}
	return top
}

type DecisionFilter struct {
	TransactionIDPrefix string
	Page                int
	PageSize            int
}

// Normalize clamps page to [1, MaxDecisionPage] and page size to
// [1, MaxDecisionPageSize], defaulting to DefaultDecisionPageSize.
func (f DecisionFilter) Normalize() DecisionFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxDecisionPage {
		f.Page = MaxDecisionPage
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultDecisionPageSize
	}
	if f.PageSize > MaxDecisionPageSize {
		f.PageSize = MaxDecisionPageSize
	}
	return f
}

// Offset saturates at math.MaxInt instead of overflowing.
func (f DecisionFilter) Offset() int {
	if f.Page <= 1 || f.PageSize <= 0 {
		return 0
	}
	if f.Page-1 > math.MaxInt/f.PageSize {
		return math.MaxInt
	}
	return (f.Page - 1) * f.PageSize
}

type DecisionPage struct {
	Entries []Decision `json:"entries"`
	HasMore bool       `json:"hasMore"`
	Total   int        `json:"total"`
}

func NewDecisionPage(entries []Decision, f DecisionFilter, total int) DecisionPage {
	if entries == nil {
		entries = []Decision{}
	}
	return DecisionPage{
		Entries: entries,
		HasMore: f.Offset() < total-f.PageSize,
		Total:   total,
	}
}
