package memory

import (
	"context"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"sort"
	"sync"
	"time"
)

type RuleRepository struct {
	mu        sync.RWMutex
	rules     map[string]*domain.Rule
	order     []string
	listeners map[int]func()
	nextID    int
}

func NewRuleRepository() *RuleRepository {
	return &RuleRepository{
		rules:     make(map[string]*domain.Rule),
		listeners: make(map[int]func()),
	}
}

func (r *RuleRepository) Save(ctx context.Context, rule *domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.ID]; exists {
		return fmt.Errorf("%w: rule %s", repository.ErrDuplicate, rule.ID)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}
	r.rules[rule.ID] = rule.Clone()
	r.order = append(r.order, rule.ID)
	r.notifyLocked()

	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
	}
	return rule.Clone(), nil
}

// GetAll returns every rule, newest first.
func (r *RuleRepository) GetAll(ctx context.Context) ([]*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Rule, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.rules[id].Clone())
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// ListActive returns active rules in insertion order.
func (r *RuleRepository) ListActive(ctx context.Context) ([]*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Rule
	for _, id := range r.order {
		if rule := r.rules[id]; rule.Active {
			result = append(result, rule.Clone())
		}
	}

	return result, nil
}

func (r *RuleRepository) Update(ctx context.Context, rule *domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.rules[rule.ID]
	if !exists {
		return fmt.Errorf("%w: rule %s", repository.ErrNotFound, rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	r.rules[rule.ID] = rule.Clone()
	r.notifyLocked()

	return nil
}

func (r *RuleRepository) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[id]
	if !exists {
		return fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
	}

	rule.Active = false
	rule.UpdatedAt = time.Now()
	r.notifyLocked()

	return nil
}

func (r *RuleRepository) Toggle(ctx context.Context, id string) (*domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
	}

	rule.Active = !rule.Active
	rule.UpdatedAt = time.Now()
	r.notifyLocked()

	return rule.Clone(), nil
}

func (r *RuleRepository) SubscribeToChanges(ctx context.Context, onChange func()) error {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = onChange
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}()

	return nil
}

// notifyLocked fires listeners on their own goroutines so a slow listener
// never holds the repository lock.
func (r *RuleRepository) notifyLocked() {
	for _, fn := range r.listeners {
		go fn()
	}
}
