package processor

import (
	"context"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"fraud_explorer/internal/repository/memory"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleIDs(set *RuleSet) []string {
	ids := make([]string, 0, len(set.Rules))
	for _, r := range set.Rules {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestRegistry_StartsEmpty(t *testing.T) {
	reg := NewRegistry(&stubStore{}, RegistryConfig{}, nil, nil)

	assert.Empty(t, reg.CurrentRules())
	assert.Equal(t, uint64(0), reg.Snapshot().Version)
}

func TestRegistry_RefreshSkipsInactiveInvalidAndDuplicates(t *testing.T) {
	reg := NewRegistry(&stubStore{}, RegistryConfig{}, nil, nil)

	inactive := testRule("inactive", domain.SeverityLow, matchAll)
	inactive.Active = false
	broken := testRule("broken", domain.SeverityLow, `{"fact":"amount","operator":"roughly","value":1}`)
	dup := testRule("a", domain.SeverityHigh, matchAll)
	dup.Event.Message = "second a"

	set := reg.Refresh([]*domain.Rule{
		testRule("a", domain.SeverityLow, matchAll),
		inactive,
		broken,
		testRule("b", domain.SeverityMedium, matchAll),
		dup,
		nil,
	})

	assert.Equal(t, []string{"a", "b"}, ruleIDs(set))
	assert.Equal(t, "message a", set.Rules[0].Event.Message, "first definition should win")
	assert.Equal(t, 2, set.Skipped)
	assert.Same(t, set, reg.Snapshot())
}

func TestRegistry_RefreshReplacesWholesale(t *testing.T) {
	reg := NewRegistry(&stubStore{}, RegistryConfig{}, nil, nil)
	reg.Refresh([]*domain.Rule{testRule("a", domain.SeverityLow, matchAll)})
	before := reg.Snapshot()

	reg.Refresh([]*domain.Rule{testRule("b", domain.SeverityLow, matchAll)})

	assert.Equal(t, []string{"a"}, ruleIDs(before), "held snapshot must not change")
	assert.Equal(t, []string{"b"}, ruleIDs(reg.Snapshot()))
	assert.Greater(t, reg.Snapshot().Version, before.Version)
}

func TestRegistry_LoadFromStore(t *testing.T) {
	repo := memory.NewRuleRepository()
	require.NoError(t, repo.Save(context.Background(), testRule("r1", domain.SeverityHigh, matchAll)))
	reg := NewRegistry(repo, RegistryConfig{}, nil, nil)

	err := reg.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ruleIDs(reg.Snapshot()))
}

func TestRegistry_LoadFailureKeepsLastKnownGood(t *testing.T) {
	store := &stubStore{rules: []*domain.Rule{testRule("r1", domain.SeverityHigh, matchAll)}}
	reg := NewRegistry(store, RegistryConfig{}, nil, nil)
	require.NoError(t, reg.Load(context.Background()))
	good := reg.Snapshot()

	store.set(nil, errors.New("connection refused"))
	err := reg.Load(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrStoreUnavailable))
	assert.Same(t, good, reg.Snapshot())
}

func TestRegistry_RunRefreshesOnChange(t *testing.T) {
	repo := memory.NewRuleRepository()
	reg := NewRegistry(repo, RegistryConfig{RefreshInterval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = reg.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		// Save may race the subscription; keep writing until a refresh lands.
		_ = repo.Save(context.Background(), testRule(fmt.Sprintf("r%d", time.Now().UnixNano()), domain.SeverityLow, matchAll))
		return len(reg.CurrentRules()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistry_RunRetriesAfterStoreFailure(t *testing.T) {
	store := &stubStore{err: errors.New("unreachable")}
	reg := NewRegistry(store, RegistryConfig{RefreshInterval: 20 * time.Millisecond}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, reg.CurrentRules())

	store.set([]*domain.Rule{testRule("r1", domain.SeverityLow, matchAll)}, nil)

	require.Eventually(t, func() bool {
		return len(reg.CurrentRules()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	reg := NewRegistry(&stubStore{}, RegistryConfig{}, nil, nil)

	generation := func(g int) []*domain.Rule {
		rules := make([]*domain.Rule, 5)
		for i := range rules {
			r := testRule(fmt.Sprintf("r%d", i), domain.SeverityLow, matchAll)
			r.Event.Message = fmt.Sprintf("gen-%d", g)
			rules[i] = r
		}
		return rules
	}
	reg.Refresh(generation(0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 8)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				set := reg.Snapshot()
				for _, r := range set.Rules {
					if r.Event.Message != set.Rules[0].Event.Message {
						errs <- "torn snapshot"
						return
					}
				}
			}
		}()
	}

	for g := 1; g <= 200; g++ {
		reg.Refresh(generation(g))
	}
	close(stop)
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
	assert.Equal(t, "gen-200", reg.CurrentRules()[0].Event.Message)
}
