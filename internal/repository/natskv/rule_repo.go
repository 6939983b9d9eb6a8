// Package natskv keeps rule definitions in a NATS JetStream key-value bucket.
// Every process watching the bucket sees rule edits made by any other
// process, which is what drives registry refreshes across replicas.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultBucket = "fraud_rules"

	// maxUpdateAttempts bounds read-modify-write retries on revision conflicts.
	maxUpdateAttempts = 3

	minWatchBackoff = time.Second
	maxWatchBackoff = 30 * time.Second
)

// errMalformedRule marks a stored value that no longer decodes into a rule.
var errMalformedRule = errors.New("malformed rule")

var _ repository.RuleRepository = (*RuleRepository)(nil)

type RuleRepository struct {
	kv           jetstream.KeyValue
	logger       *slog.Logger
	now          func() time.Time
	watchBackoff time.Duration
}

// Open returns a repository backed by bucket, creating the bucket when it
// does not exist yet.
func Open(ctx context.Context, nc *nats.Conn, bucket string, logger *slog.Logger) (*RuleRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: jetstream: %w", repository.ErrStoreUnavailable, err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "fraud rule definitions",
			History:     5,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
		if err == nil {
			logger.Info("Created rule bucket", slog.String("bucket", bucket))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %w", repository.ErrStoreUnavailable, bucket, err)
	}

	return NewRuleRepository(kv, logger), nil
}

func NewRuleRepository(kv jetstream.KeyValue, logger *slog.Logger) *RuleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleRepository{kv: kv, logger: logger, now: time.Now, watchBackoff: minWatchBackoff}
}

func (r *RuleRepository) Save(ctx context.Context, rule *domain.Rule) error {
	now := r.now()
	stored := rule.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}

	data, err := encodeRule(stored)
	if err != nil {
		return err
	}
	if _, err := r.kv.Create(ctx, stored.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: rule %s", repository.ErrDuplicate, rule.ID)
		}
		return mapError(err, rule.ID)
	}

	rule.CreatedAt, rule.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*domain.Rule, error) {
	rule, _, err := r.get(ctx, id)
	return rule, err
}

// GetAll returns every rule, newest first.
func (r *RuleRepository) GetAll(ctx context.Context) ([]*domain.Rule, error) {
	rules, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules, nil
}

// ListActive returns active rules oldest first, matching creation order.
func (r *RuleRepository) ListActive(ctx context.Context) ([]*domain.Rule, error) {
	rules, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	return activeInCreationOrder(rules), nil
}

func (r *RuleRepository) Update(ctx context.Context, rule *domain.Rule) error {
	_, err := r.modify(ctx, rule.ID, func(existing *domain.Rule) {
		createdAt := existing.CreatedAt
		*existing = *rule.Clone()
		existing.CreatedAt = createdAt
	})
	return err
}

func (r *RuleRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.modify(ctx, id, func(existing *domain.Rule) {
		existing.Active = false
	})
	return err
}

func (r *RuleRepository) Toggle(ctx context.Context, id string) (*domain.Rule, error) {
	return r.modify(ctx, id, func(existing *domain.Rule) {
		existing.Active = !existing.Active
	})
}

// SubscribeToChanges calls onChange for every put or delete in the bucket
// until ctx is done. A watcher closed by the server is reopened with
// backoff, and onChange fires once after reopening to cover missed edits.
func (r *RuleRepository) SubscribeToChanges(ctx context.Context, onChange func()) error {
	watcher, err := r.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return mapError(err, "")
	}

	go func() {
		for {
			if !r.consume(ctx, watcher, onChange) {
				return
			}
			watcher = r.rewatch(ctx)
			if watcher == nil {
				return
			}
			onChange()
		}
	}()

	return nil
}

// consume forwards updates until ctx is done (false) or the watcher
// closes (true).
func (r *RuleRepository) consume(ctx context.Context, watcher jetstream.KeyWatcher, onChange func()) bool {
	defer func() {
		if err := watcher.Stop(); err != nil {
			r.logger.Debug("Rule watcher stop failed", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case entry, ok := <-watcher.Updates():
			if !ok {
				r.logger.Warn("Rule watcher closed, reopening")
				return true
			}
			if entry != nil {
				onChange()
			}
		}
	}
}

func (r *RuleRepository) rewatch(ctx context.Context) jetstream.KeyWatcher {
	backoff := r.watchBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		watcher, err := r.kv.WatchAll(ctx, jetstream.UpdatesOnly())
		if err == nil {
			r.logger.Info("Rule watcher reopened")
			return watcher
		}
		r.logger.Warn("Rule watcher reopen failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff))
		backoff = min(backoff*2, maxWatchBackoff)
	}
}

func (r *RuleRepository) get(ctx context.Context, id string) (*domain.Rule, uint64, error) {
	entry, err := r.kv.Get(ctx, id)
	if err != nil {
		return nil, 0, mapError(err, id)
	}
	rule, err := decodeRule(entry.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("%w %s: %w", errMalformedRule, id, err)
	}
	return rule, entry.Revision(), nil
}

func (r *RuleRepository) all(ctx context.Context) ([]*domain.Rule, error) {
	keys, err := r.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []*domain.Rule{}, nil
	}
	if err != nil {
		return nil, mapError(err, "")
	}

	rules := make([]*domain.Rule, 0, len(keys))
	malformed := 0
	for _, key := range keys {
		rule, _, err := r.get(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			// deleted between listing and reading
			continue
		}
		if errors.Is(err, errMalformedRule) {
			malformed++
			r.logger.Warn("Malformed rule skipped",
				slog.String("key", key),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if malformed > 0 {
		r.logger.Warn("Rule bucket holds malformed entries", slog.Int("malformed", malformed))
	}
	return rules, nil
}

// modify applies fn to the stored rule and writes it back guarded by the
// revision it was read at.
func (r *RuleRepository) modify(ctx context.Context, id string, fn func(*domain.Rule)) (*domain.Rule, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		rule, revision, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}

		fn(rule)
		rule.ID = id
		rule.UpdatedAt = r.now()

		data, err := encodeRule(rule)
		if err != nil {
			return nil, err
		}
		if _, err := r.kv.Update(ctx, id, data, revision); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				lastErr = err
				continue
			}
			return nil, mapError(err, id)
		}
		return rule, nil
	}
	return nil, fmt.Errorf("%w: rule %s: concurrent updates: %w", repository.ErrStoreUnavailable, id, lastErr)
}

func activeInCreationOrder(rules []*domain.Rule) []*domain.Rule {
	active := make([]*domain.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

func mapError(err error, id string) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return fmt.Errorf("%w: rule %s", repository.ErrNotFound, id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", repository.ErrStoreUnavailable, err)
	}
}

func encodeRule(rule *domain.Rule) ([]byte, error) {
	data, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("encode rule %s: %w", rule.ID, err)
	}
	return data, nil
}

func decodeRule(data []byte) (*domain.Rule, error) {
	var rule domain.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return &rule, nil
}
