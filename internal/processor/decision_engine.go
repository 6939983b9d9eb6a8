package processor

import (
	"context"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"fraud_explorer/pkg/metrics"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPersistTimeout = 2 * time.Second

// RuleSource provides the rule snapshot used for one decision.
type RuleSource interface {
	Snapshot() *RuleSet
}

type EngineConfig struct {
	PersistTimeout time.Duration
}

// DecisionEngine evaluates every active rule against a transaction and
// records the outcome. It holds no per-call mutable state and is safe for
// concurrent use.
type DecisionEngine struct {
	rules          RuleSource
	decisionLog    repository.DecisionLog
	metrics        *metrics.MetricsCollector
	logger         *slog.Logger
	tracer         trace.Tracer
	persistTimeout time.Duration
	now            func() time.Time
	evaluate       func(Predicate, FactSource) bool
}

func NewDecisionEngine(
	rules RuleSource,
	decisionLog repository.DecisionLog,
	cfg EngineConfig,
	m *metrics.MetricsCollector,
	logger *slog.Logger,
) *DecisionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	return &DecisionEngine{
		rules:          rules,
		decisionLog:    decisionLog,
		metrics:        m,
		logger:         logger,
		tracer:         otel.Tracer("fraud_explorer/processor"),
		persistTimeout: cfg.PersistTimeout,
		now:            time.Now,
		evaluate:       Evaluate,
	}
}

// Decide evaluates tx against the current rule snapshot and appends the
// resulting decision to the decision log. The returned decision is always
// complete; a non-nil error only reports that persisting it failed and
// wraps ErrPersistence. Cancelling ctx does not abort the decision.
func (e *DecisionEngine) Decide(ctx context.Context, tx *domain.Transaction) (domain.Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "DecisionEngine.Decide",
		trace.WithAttributes(attribute.String("transaction.id", tx.ID)))
	defer span.End()

	facts := domain.FactsFrom(tx)
	set := e.rules.Snapshot()

	matched := make([]domain.MatchedRule, 0)
	for _, rule := range set.Rules {
		ok, err := e.evaluateRule(rule, facts)
		if err != nil {
			e.logger.WarnContext(ctx, "Rule evaluation failed, treating as no match",
				slog.String("transaction_id", tx.ID),
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, domain.MatchedRule{
			RuleID:   rule.Event.RuleID,
			Kind:     rule.Event.Kind,
			Message:  rule.Event.Message,
			Severity: rule.Event.Severity,
		})
		e.metrics.RecordRuleMatch(string(rule.Event.Severity))
	}

	decision := domain.Decision{
		TransactionID: tx.ID,
		Timestamp:     e.now(),
		Facts:         facts,
		MatchedRules:  matched,
		IsFraudulent:  len(matched) > 0,
		RiskScore:     domain.RiskScore(matched),
	}

	e.metrics.RecordDecision(time.Since(start), decision.RiskScore, decision.IsFraudulent)
	span.SetAttributes(
		attribute.Int("decision.matched_rules", len(matched)),
		attribute.Int("decision.risk_score", decision.RiskScore),
		attribute.Int64("rules.version", int64(set.Version)),
	)

	if err := e.persist(ctx, decision); err != nil {
		e.metrics.RecordPersistenceFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision persistence failed")
		e.logger.ErrorContext(ctx, "Failed to persist decision",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()))
		return decision, fmt.Errorf("%w: transaction %s: %w", ErrPersistence, tx.ID, err)
	}

	if decision.IsFraudulent {
		e.logger.InfoContext(ctx, "Transaction flagged",
			slog.String("transaction_id", tx.ID),
			slog.Int("risk_score", decision.RiskScore),
			slog.Int("matched_rules", len(matched)))
	}

	return decision, nil
}

// persist is bounded by persistTimeout and detached from the caller's
// cancellation so an in-flight decision always gets its write attempt.
func (e *DecisionEngine) persist(ctx context.Context, decision domain.Decision) error {
	if e.decisionLog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()
	return e.decisionLog.Append(ctx, decision)
}

func (e *DecisionEngine) evaluateRule(rule *CompiledRule, facts FactSource) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = &EvaluationError{RuleID: rule.ID, Cause: r}
		}
	}()
	return e.evaluate(rule.Predicate, facts), nil
}
