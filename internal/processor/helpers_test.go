package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fraud_explorer/internal/domain"
	"sync"
	"time"
)

const matchAll = `{"all":[]}`

func testRule(id string, severity domain.Severity, conditions string) *domain.Rule {
	return &domain.Rule{
		ID:         id,
		Name:       "rule " + id,
		Active:     true,
		Conditions: json.RawMessage(conditions),
		Event: domain.RuleEvent{
			Kind:     "fraud_alert",
			Message:  "message " + id,
			Severity: severity,
			RuleID:   id,
		},
	}
}

func testTx(id string, amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:               id,
		UserID:           "USER_1",
		Amount:           amount,
		Currency:         "INR",
		MerchantID:       "AMZN",
		MerchantCategory: "retail",
		Location:         domain.Location{Region: "Maharashtra", City: "Mumbai"},
		Timestamp:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		PaymentMethod:    "credit_card",
	}
}

// stubStore is a RuleStore whose contents and failure mode tests control.
type stubStore struct {
	mu       sync.Mutex
	rules    []*domain.Rule
	err      error
	onChange func()
}

func (s *stubStore) ListActive(ctx context.Context) ([]*domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.rules, nil
}

func (s *stubStore) SubscribeToChanges(ctx context.Context, onChange func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = onChange
	return nil
}

func (s *stubStore) set(rules []*domain.Rule, err error) {
	s.mu.Lock()
	s.rules = rules
	s.err = err
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type failingDecisionLog struct{}

var errDiskFull = errors.New("disk full")

func (failingDecisionLog) Append(ctx context.Context, d domain.Decision) error {
	return errDiskFull
}

func (failingDecisionLog) Query(ctx context.Context, f domain.DecisionFilter) (domain.DecisionPage, error) {
	return domain.DecisionPage{}, errDiskFull
}

type fixedRules struct {
	set *RuleSet
}

func (f fixedRules) Snapshot() *RuleSet {
	return f.set
}

func compiledSet(rules ...*domain.Rule) *RuleSet {
	set := &RuleSet{Version: 1}
	for _, r := range rules {
		c, err := Compile(r)
		if err != nil {
			panic(err)
		}
		set.Rules = append(set.Rules, c)
	}
	return set
}
