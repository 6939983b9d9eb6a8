package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"strings"
)

var _ repository.DecisionLog = (*DecisionLog)(nil)

const (
	insertDecision = `
		INSERT INTO decision_logs (transaction_id, decided_at, is_fraudulent, risk_score, facts, matched_rules)
		VALUES ($1, $2, $3, $4, $5, $6)`

	selectDecisions = `
		SELECT transaction_id, decided_at, is_fraudulent, risk_score, facts, matched_rules
		FROM decision_logs
		WHERE lower(transaction_id) LIKE $1 ESCAPE '\'
		ORDER BY decided_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	countDecisions = `
		SELECT count(*) FROM decision_logs
		WHERE lower(transaction_id) LIKE $1 ESCAPE '\'`
)

// DecisionLog is an append-only decision log table.
type DecisionLog struct {
	db *sql.DB
}

func NewDecisionLog(db *sql.DB) *DecisionLog {
	return &DecisionLog{db: db}
}

func (l *DecisionLog) Append(ctx context.Context, decision domain.Decision) error {
	facts, err := json.Marshal(decision.Facts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	matched := decision.MatchedRules
	if matched == nil {
		matched = []domain.MatchedRule{}
	}
	rules, err := json.Marshal(matched)
	if err != nil {
		return fmt.Errorf("encode matched rules: %w", err)
	}

	_, err = l.db.ExecContext(ctx, insertDecision,
		decision.TransactionID,
		decision.Timestamp,
		decision.IsFraudulent,
		decision.RiskScore,
		facts,
		rules,
	)
	if err != nil {
		return fmt.Errorf("%w: insert decision %s: %w", repository.ErrStoreUnavailable, decision.TransactionID, err)
	}
	return nil
}

// Query returns one page of decisions, newest first, whose transaction id
// starts with the filter prefix ignoring case.
func (l *DecisionLog) Query(ctx context.Context, filter domain.DecisionFilter) (domain.DecisionPage, error) {
	filter = filter.Normalize()
	pattern := prefixPattern(filter.TransactionIDPrefix)

	var total int
	if err := l.db.QueryRowContext(ctx, countDecisions, pattern).Scan(&total); err != nil {
		return domain.DecisionPage{}, fmt.Errorf("%w: count decisions: %w", repository.ErrStoreUnavailable, err)
	}
	if filter.Offset() >= total {
		return domain.NewDecisionPage(nil, filter, total), nil
	}

	rows, err := l.db.QueryContext(ctx, selectDecisions, pattern, filter.PageSize, filter.Offset())
	if err != nil {
		return domain.DecisionPage{}, fmt.Errorf("%w: query decisions: %w", repository.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	entries := make([]domain.Decision, 0, filter.PageSize)
	for rows.Next() {
		var (
			d            domain.Decision
			facts, rules []byte
		)
		if err := rows.Scan(&d.TransactionID, &d.Timestamp, &d.IsFraudulent, &d.RiskScore, &facts, &rules); err != nil {
			return domain.DecisionPage{}, fmt.Errorf("scan decision: %w", err)
		}
		if err := json.Unmarshal(facts, &d.Facts); err != nil {
			return domain.DecisionPage{}, fmt.Errorf("decode facts for %s: %w", d.TransactionID, err)
		}
		if err := json.Unmarshal(rules, &d.MatchedRules); err != nil {
			return domain.DecisionPage{}, fmt.Errorf("decode matched rules for %s: %w", d.TransactionID, err)
		}
		entries = append(entries, d)
	}
	if err := rows.Err(); err != nil {
		return domain.DecisionPage{}, fmt.Errorf("%w: read decisions: %w", repository.ErrStoreUnavailable, err)
	}

	return domain.NewDecisionPage(entries, filter, total), nil
}

// prefixPattern builds a LIKE pattern matching ids that start with prefix.
// The prefix is lowercased and its wildcard characters are escaped.
func prefixPattern(prefix string) string {
	return escapeLike(strings.ToLower(prefix)) + "%"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
