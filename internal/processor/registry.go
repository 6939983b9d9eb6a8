package processor

import (
	"context"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"fraud_explorer/pkg/metrics"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLoadTimeout     = 5 * time.Second
	defaultRefreshInterval = 30 * time.Second
)

// RuleSet is an immutable snapshot of compiled rules. Callers must not modify
// the Rules slice or its elements.
type RuleSet struct {
	Rules    []*CompiledRule
	Version  uint64
	LoadedAt time.Time
	Skipped  int
}

type RegistryConfig struct {
	LoadTimeout     time.Duration
	RefreshInterval time.Duration
}

// Registry holds the active compiled rule set and swaps it atomically.
// Readers never block on a refresh.
type Registry struct {
	store   repository.RuleStore
	cfg     RegistryConfig
	metrics *metrics.MetricsCollector
	logger  *slog.Logger

	current atomic.Pointer[RuleSet]
	// refreshMu serializes builders so versions are published in order.
	refreshMu sync.Mutex
	version   uint64
	pending   chan struct{}
}

func NewRegistry(store repository.RuleStore, cfg RegistryConfig, m *metrics.MetricsCollector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	r := &Registry{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		pending: make(chan struct{}, 1),
	}
	r.current.Store(&RuleSet{Rules: []*CompiledRule{}, LoadedAt: time.Now()})
	return r
}

// Snapshot returns the current rule set. The result stays valid and
// unchanged for as long as the caller holds it.
func (r *Registry) Snapshot() *RuleSet {
	return r.current.Load()
}

func (r *Registry) CurrentRules() []*CompiledRule {
	return r.Snapshot().Rules
}

// Refresh compiles every active definition and publishes the result as the
// new snapshot. Rules that fail to compile are logged and left out. When two
// definitions share an id the first one wins.
func (r *Registry) Refresh(defs []*domain.Rule) *RuleSet {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	rules := make([]*CompiledRule, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	skipped := 0

	for _, def := range defs {
		if def == nil || !def.Active {
			continue
		}
		if _, dup := seen[def.ID]; dup {
			skipped++
			r.logger.Warn("Duplicate rule id skipped", slog.String("rule_id", def.ID))
			continue
		}

		compiled, err := Compile(def)
		if err != nil {
			skipped++
			r.metrics.RecordCompileError()
			r.logger.Warn("Rule skipped",
				slog.String("rule_id", def.ID),
				slog.String("error", err.Error()))
			continue
		}

		seen[def.ID] = struct{}{}
		rules = append(rules, compiled)
	}

	r.version++
	set := &RuleSet{
		Rules:    rules,
		Version:  r.version,
		LoadedAt: time.Now(),
		Skipped:  skipped,
	}
	r.current.Store(set)

	r.metrics.RecordRegistryRefresh("ok", len(rules))
	r.logger.Info("Rule registry refreshed",
		slog.Int("active_rules", len(rules)),
		slog.Int("skipped", skipped),
		slog.Uint64("version", set.Version))

	return set
}

// Load fetches the active definitions from the store and refreshes. On
// failure the previous snapshot stays active.
func (r *Registry) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LoadTimeout)
	defer cancel()

	defs, err := r.store.ListActive(ctx)
	if err != nil {
		r.metrics.RecordRegistryRefresh("error", 0)
		return fmt.Errorf("%w: list active rules: %w", repository.ErrStoreUnavailable, err)
	}

	r.Refresh(defs)
	return nil
}

// RequestRefresh schedules an asynchronous reload. Calls made while a reload
// is already pending collapse into that one.
func (r *Registry) RequestRefresh() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// Run subscribes to store changes and reloads on each notification, plus on
// a fixed interval as a fallback. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.store.SubscribeToChanges(ctx, r.RequestRefresh); err != nil {
		r.logger.Error("Rule change subscription failed, relying on periodic refresh",
			slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.pending:
			r.reload(ctx, "change notification")
		case <-ticker.C:
			r.reload(ctx, "periodic")
		}
	}
}

func (r *Registry) reload(ctx context.Context, trigger string) {
	if err := r.Load(ctx); err != nil {
		r.logger.Warn("Rule registry refresh failed, keeping last known good rules",
			slog.String("trigger", trigger),
			slog.Uint64("version", r.Snapshot().Version),
			slog.String("error", err.Error()))
	}
}
