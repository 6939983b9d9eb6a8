package repository

import (
	"context"
	"errors"
	"fraud_explorer/internal/domain"
)

// RuleStore is the read side of rule storage consumed by the rule registry.
type RuleStore interface {
	ListActive(ctx context.Context) ([]*domain.Rule, error)
	// SubscribeToChanges invokes onChange at least once, eventually, after
	// any rule is created, updated or deleted. The subscription ends when
	// ctx is done.
	SubscribeToChanges(ctx context.Context, onChange func()) error
}

// RuleRepository is the authoring side of rule storage.
type RuleRepository interface {
	RuleStore
	Save(ctx context.Context, rule *domain.Rule) error
	GetByID(ctx context.Context, id string) (*domain.Rule, error)
	GetAll(ctx context.Context) ([]*domain.Rule, error)
	Update(ctx context.Context, rule *domain.Rule) error
	Deactivate(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string) (*domain.Rule, error)
}

type DecisionLog interface {
	Append(ctx context.Context, decision domain.Decision) error
	Query(ctx context.Context, filter domain.DecisionFilter) (domain.DecisionPage, error)
}

type TransactionRepository interface {
	Save(ctx context.Context, transaction *domain.Transaction) error
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)
}

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate entry")
	ErrStoreUnavailable = errors.New("store unavailable")
)
