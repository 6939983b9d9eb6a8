package memory

import (
	"context"
	"fraud_explorer/internal/domain"
	"sort"
	"strings"
	"sync"
)

// DecisionLog is an append-only in-memory decision log.
type DecisionLog struct {
	mu      sync.RWMutex
	entries []domain.Decision
}

func NewDecisionLog() *DecisionLog {
	return &DecisionLog{}
}

func (l *DecisionLog) Append(ctx context.Context, decision domain.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, decision)
	return nil
}

// Query returns matching entries newest first. The prefix match on the
// transaction id is case-insensitive.
func (l *DecisionLog) Query(ctx context.Context, filter domain.DecisionFilter) (domain.DecisionPage, error) {
	filter = filter.Normalize()
	prefix := strings.ToLower(filter.TransactionIDPrefix)

	l.mu.RLock()
	var matched []domain.Decision
	for i := len(l.entries) - 1; i >= 0; i-- {
		d := l.entries[i]
		if prefix == "" || strings.HasPrefix(strings.ToLower(d.TransactionID), prefix) {
			matched = append(matched, d)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return domain.NewDecisionPage(nil, filter, total), nil
	}
	end := min(start+filter.PageSize, total)

	return domain.NewDecisionPage(matched[start:end], filter, total), nil
}

func (l *DecisionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
