package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fraud_explorer/internal/api"
	"fraud_explorer/internal/broadcast"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/processor"
	"fraud_explorer/internal/repository/memory"
	"fraud_explorer/internal/simulator"
	"fraud_explorer/pkg/metrics"
)

type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureTransport) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) transactions() []broadcast.TransactionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []broadcast.TransactionEvent
	for _, f := range c.frames {
		var ev broadcast.TransactionEvent
		if json.Unmarshal(f, &ev) == nil && ev.Type == broadcast.EventTransaction {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	ruleRepo    *memory.RuleRepository
	txRepo      *memory.TransactionRepository
	decisionLog *memory.DecisionLog

	registry  *processor.Registry
	processor *processor.TransactionProcessor
	hub       *broadcast.Hub
	sim       *simulator.Simulator
	mux       *http.ServeMux
	logger    *slog.Logger
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()
	metricsCollector := metrics.NewMetricsCollector(logger)

	env := &testEnv{
		ruleRepo:    memory.NewRuleRepository(),
		txRepo:      memory.NewTransactionRepository(),
		decisionLog: memory.NewDecisionLog(),
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	env.registry = processor.NewRegistry(env.ruleRepo,
		processor.RegistryConfig{RefreshInterval: time.Hour}, metricsCollector, logger)
	if err := env.registry.Load(context.Background()); err != nil {
		t.Fatalf("initial rule load failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = env.registry.Run(ctx)
	}()

	engine := processor.NewDecisionEngine(env.registry, env.decisionLog,
		processor.EngineConfig{}, metricsCollector, logger)
	env.hub = broadcast.NewHub(broadcast.HubConfig{}, metricsCollector, logger)
	env.processor = processor.NewTransactionProcessor(engine, env.txRepo, env.hub, nil,
		processor.ProcessorConfig{Workers: 4, AlertThreshold: 60}, metricsCollector, logger)
	env.sim = simulator.New(simulator.Config{Interval: 5 * time.Millisecond, Seed: 7}, logger)
	env.hub.AttachFeed(env.sim, env.processor.Submit)

	handler := api.NewAPIHandler(api.Dependencies{
		Transactions: env.processor,
		RuleRepo:     env.ruleRepo,
		DecisionLog:  env.decisionLog,
		RuleSet:      env.registry,
		Feed:         env.hub,
		Metrics:      metricsCollector,
	}, logger)
	handler.RegisterRoutes(env.mux)

	t.Cleanup(func() {
		env.hub.Close()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer waitCancel()
		_ = env.processor.Wait(waitCtx)
		cancel()
		<-runDone
	})
	return env
}

func (env *testEnv) call(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if s, ok := body.(string); ok {
			raw = []byte(s)
		} else if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal request failed: %v", err)
		}
	}
	r := httptest.NewRequest(method, target, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	return w
}

func mustCreateRule(t *testing.T, env *testEnv, body string) domain.Rule {
	t.Helper()
	before := env.registry.Snapshot().Version

	w := env.call(t, http.MethodPost, "/api/rules", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rule domain.Rule
	if err := json.Unmarshal(w.Body.Bytes(), &rule); err != nil {
		t.Fatalf("decode rule failed: %v", err)
	}

	waitFor(t, "registry picks up rule", func() bool {
		return env.registry.Snapshot().Version > before
	})
	return rule
}

func callCreateTransaction(t *testing.T, env *testEnv, tx domain.Transaction) (*api.TransactionResponse, int) {
	t.Helper()
	w := env.call(t, http.MethodPost, "/api/transactions", tx)
	if w.Code >= 200 && w.Code < 300 {
		var tr api.TransactionResponse
		if err := json.NewDecoder(w.Body).Decode(&tr); err != nil {
			t.Fatalf("decode success response failed: %v", err)
		}
		return &tr, w.Code
	}
	return nil, w.Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTx(id string, amount float64, region string) domain.Transaction {
	return domain.Transaction{
		ID:               id,
		UserID:           "user_42",
		Amount:           amount,
		Currency:         "INR",
		MerchantID:       "merchant_1",
		MerchantCategory: "retail",
		Location:         domain.Location{Region: region, City: "Somewhere"},
		Timestamp:        time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		PaymentMethod:    "UPI",
	}
}

const (
	largeAmountRule = `{"name":"Large amount","conditions":{"all":[{"fact":"amount","operator":"greaterThan","value":100000}]},
		"event":{"kind":"fraud","message":"Large amount","severity":"high"}}`
	highRiskRegionRule = `{"name":"High risk region","conditions":{"fact":"state","operator":"isHighRiskstate","value":true},
		"event":{"kind":"fraud","message":"High risk region","severity":"medium"}}`
)

func TestIntegration_NoRulesIsClean(t *testing.T) {
	env := setup(t)

	resp, code := callCreateTransaction(t, env, newTx("clean-1", 500, "Maharashtra"))
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if resp.Decision.IsFraudulent || resp.Decision.RiskScore != 0 {
		t.Fatalf("expected clean decision, got %+v", resp.Decision)
	}
	if len(resp.Decision.MatchedRules) != 0 {
		t.Fatalf("expected no matched rules, got %d", len(resp.Decision.MatchedRules))
	}
}

func TestIntegration_RulesApplyAfterHotSwap(t *testing.T) {
	env := setup(t)
	mustCreateRule(t, env, largeAmountRule)
	mustCreateRule(t, env, highRiskRegionRule)

	resp, code := callCreateTransaction(t, env, newTx("risky-1", 150000, "Pakistan"))
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if !resp.Decision.IsFraudulent {
		t.Fatalf("expected fraudulent decision")
	}
	if resp.Decision.RiskScore != 50 {
		t.Fatalf("expected risk score 30+20=50, got %d", resp.Decision.RiskScore)
	}

	stored, err := env.txRepo.GetByID(context.Background(), "risky-1")
	if err != nil {
		t.Fatalf("transaction not stored: %v", err)
	}
	if stored.Amount != 150000 {
		t.Fatalf("unexpected stored amount %v", stored.Amount)
	}
}

func TestIntegration_DeactivatedRuleStopsMatching(t *testing.T) {
	env := setup(t)
	rule := mustCreateRule(t, env, largeAmountRule)

	before := env.registry.Snapshot().Version
	if w := env.call(t, http.MethodDelete, "/api/rules/"+rule.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("delete rule: expected 200, got %d", w.Code)
	}
	waitFor(t, "registry drops rule", func() bool {
		set := env.registry.Snapshot()
		return set.Version > before && len(set.Rules) == 0
	})

	resp, _ := callCreateTransaction(t, env, newTx("after-delete", 500000, "Kerala"))
	if resp == nil || resp.Decision.IsFraudulent {
		t.Fatalf("expected clean decision after deactivation, got %+v", resp)
	}
}

func TestIntegration_DecisionLogQuery(t *testing.T) {
	env := setup(t)
	mustCreateRule(t, env, largeAmountRule)

	for i := 0; i < 3; i++ {
		if _, code := callCreateTransaction(t, env, newTx(fmt.Sprintf("ORDER-%d", i), 200000, "Goa")); code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", code)
		}
	}
	if _, code := callCreateTransaction(t, env, newTx("other-1", 10, "Goa")); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	w := env.call(t, http.MethodGet, "/api/decision-logs?tx=order", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var page domain.DecisionPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page failed: %v", err)
	}
	if page.Total != 3 || len(page.Entries) != 3 {
		t.Fatalf("expected 3 ORDER decisions, got total=%d entries=%d", page.Total, len(page.Entries))
	}
	for _, d := range page.Entries {
		if d.RiskScore != 30 {
			t.Fatalf("expected logged risk score 30, got %d", d.RiskScore)
		}
	}
}

func TestIntegration_DuplicateTransactionRejected(t *testing.T) {
	env := setup(t)
	tx := newTx("dup-1", 100, "Goa")

	if _, code := callCreateTransaction(t, env, tx); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if _, code := callCreateTransaction(t, env, tx); code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", code)
	}
	if n := env.decisionLog.Len(); n != 1 {
		t.Fatalf("expected one logged decision, got %d", n)
	}
}

func TestIntegration_InvalidTransactionRejected(t *testing.T) {
	env := setup(t)

	_, code := callCreateTransaction(t, env, newTx("neg-1", -5, "Goa"))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", code)
	}
	if n := env.decisionLog.Len(); n != 0 {
		t.Fatalf("rejected transaction must not be decided, got %d log entries", n)
	}
}

func TestIntegration_SubscribersReceiveDecisions(t *testing.T) {
	env := setup(t)
	mustCreateRule(t, env, largeAmountRule)
	transport := &captureTransport{}
	env.hub.Subscribe(transport)

	if _, code := callCreateTransaction(t, env, newTx("live-1", 999999, "Goa")); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	waitFor(t, "transaction event", func() bool { return len(transport.transactions()) == 1 })
	ev := transport.transactions()[0]
	if ev.Data.Transaction.ID != "live-1" || ev.Data.Decision.RiskScore != 30 {
		t.Fatalf("unexpected event %+v", ev.Data)
	}
}

func TestIntegration_FeedDrivesPipeline(t *testing.T) {
	env := setup(t)
	transport := &captureTransport{}
	sub := env.hub.Subscribe(transport)

	env.hub.HandleCommand(sub, []byte(`{"type":"start_feed"}`))
	waitFor(t, "simulated decisions", func() bool { return env.decisionLog.Len() >= 5 })
	env.hub.HandleCommand(sub, []byte(`{"type":"stop_feed"}`))

	if env.hub.FeedRunning() {
		t.Fatalf("feed should be stopped")
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.processor.Wait(waitCtx); err != nil {
		t.Fatalf("in-flight transactions did not finish: %v", err)
	}

	settled := env.decisionLog.Len()
	time.Sleep(30 * time.Millisecond)
	if env.decisionLog.Len() != settled {
		t.Fatalf("decisions kept arriving after stop_feed")
	}
	waitFor(t, "broadcast of every decision", func() bool {
		return len(transport.transactions()) == settled
	})
}

func TestIntegration_ConcurrentTransactions(t *testing.T) {
	env := setup(t)
	mustCreateRule(t, env, largeAmountRule)

	n := 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _ = callCreateTransaction(t, env, newTx(fmt.Sprintf("conc-%d", i), float64(i)*20000, "Goa"))
		}(i)
	}
	wg.Wait()

	if got := env.decisionLog.Len(); got != n {
		t.Fatalf("expected %d decisions, got %d", n, got)
	}
	page, err := env.decisionLog.Query(context.Background(), domain.DecisionFilter{TransactionIDPrefix: "conc-", PageSize: 100})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	flagged := 0
	for _, d := range page.Entries {
		if d.IsFraudulent {
			flagged++
		}
	}
	// amounts 120000..380000 exceed the threshold
	if flagged != 14 {
		t.Fatalf("expected 14 flagged decisions, got %d", flagged)
	}
}
