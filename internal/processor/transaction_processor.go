package processor

import (
	"context"
	"errors"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/internal/repository"
	"fraud_explorer/pkg/metrics"
	"fraud_explorer/pkg/validator"
	"log/slog"
	"sync"
	"time"
)

type Decider interface {
	Decide(ctx context.Context, tx *domain.Transaction) (domain.Decision, error)
}

// Publisher fans a decision out to live observers. Publish must not block.
type Publisher interface {
	Publish(tx domain.Transaction, decision domain.Decision)
}

// AlertNotifier receives decisions at or above the alert threshold. Notify
// must not block.
type AlertNotifier interface {
	Notify(tx domain.Transaction, decision domain.Decision) bool
}

type ProcessorConfig struct {
	Workers        int
	AlertThreshold int
	PersistTimeout time.Duration
}

// TransactionProcessor runs the per-transaction pipeline: validate, store,
// decide, broadcast and alert.
type TransactionProcessor struct {
	engine     Decider
	txRepo     repository.TransactionRepository
	publisher  Publisher
	alerts     AlertNotifier
	validator  *validator.TransactionValidator
	cfg        ProcessorConfig
	workerPool chan struct{}
	wg         sync.WaitGroup
	metrics    *metrics.MetricsCollector
	logger     *slog.Logger
}

func NewTransactionProcessor(
	engine Decider,
	txRepo repository.TransactionRepository,
	publisher Publisher,
	alerts AlertNotifier,
	cfg ProcessorConfig,
	m *metrics.MetricsCollector,
	logger *slog.Logger,
) *TransactionProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	return &TransactionProcessor{
		engine:     engine,
		txRepo:     txRepo,
		publisher:  publisher,
		alerts:     alerts,
		validator:  validator.NewTransactionValidator(),
		cfg:        cfg,
		workerPool: make(chan struct{}, cfg.Workers),
		metrics:    m,
		logger:     logger,
	}
}

// Process runs tx through the pipeline synchronously. A validation or
// duplicate error rejects the transaction before any rule runs. A decision
// persistence error is returned alongside a complete decision, which has
// already been broadcast.
func (p *TransactionProcessor) Process(ctx context.Context, tx *domain.Transaction) (domain.Decision, error) {
	if err := p.validator.ValidateTransaction(tx); err != nil {
		p.metrics.RecordTransaction(false)
		return domain.Decision{}, fmt.Errorf("validation failed: %w", err)
	}

	if err := p.saveTransaction(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			p.metrics.RecordTransaction(false)
			return domain.Decision{}, err
		}
		p.logger.WarnContext(ctx, "Failed to store transaction, continuing",
			slog.String("transaction_id", tx.ID),
			slog.String("error", err.Error()))
	}

	decision, decideErr := p.engine.Decide(ctx, tx)

	if p.publisher != nil {
		p.publisher.Publish(*tx, decision)
	}

	if p.alerts != nil && decision.IsFraudulent && decision.RiskScore >= p.cfg.AlertThreshold {
		if !p.alerts.Notify(*tx, decision) {
			p.logger.WarnContext(ctx, "Fraud alert dropped",
				slog.String("transaction_id", tx.ID),
				slog.Int("risk_score", decision.RiskScore))
		}
	}

	p.metrics.RecordTransaction(true)
	return decision, decideErr
}

// Submit hands tx to a worker and returns once a worker slot is free. It is
// the callback given to the transaction source. In-flight transactions run
// to completion regardless of feed state.
func (p *TransactionProcessor) Submit(tx domain.Transaction) {
	p.workerPool <- struct{}{}
	p.wg.Add(1)

	go func() {
		defer func() {
			<-p.workerPool
			p.wg.Done()
		}()

		if _, err := p.Process(context.Background(), &tx); err != nil {
			p.logger.Warn("Transaction processing error",
				slog.String("transaction_id", tx.ID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until every submitted transaction has finished or ctx is done.
func (p *TransactionProcessor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *TransactionProcessor) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return p.txRepo.GetByID(ctx, transactionID)
}

func (p *TransactionProcessor) saveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if p.txRepo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	return p.txRepo.Save(ctx, tx)
}
