package service

import (
	"context"
	"fmt"
	"fraud_explorer/internal/domain"
	"fraud_explorer/pkg/metrics"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultAlertWorkers   = 3
	defaultAlertQueueSize = 1000
	defaultSendTimeout    = 5 * time.Second
)

// Alert is raised for a decision whose risk score reached the alert
// threshold.
type Alert struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	Amount        float64         `json:"amount"`
	Currency      string          `json:"currency"`
	RiskScore     int             `json:"riskScore"`
	Severity      domain.Severity `json:"severity"`
	Messages      []string        `json:"messages"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (a Alert) Summary() string {
	return fmt.Sprintf("Fraud alert: transaction %s of %.2f %s scored %d (%s)",
		a.TransactionID, a.Amount, a.Currency, a.RiskScore, a.Severity)
}

type AlertSink interface {
	Send(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to the structured log at warn level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, alert Alert) error {
	s.logger.WarnContext(ctx, alert.Summary(),
		slog.String("transaction_id", alert.TransactionID),
		slog.String("user_id", alert.UserID),
		slog.Int("risk_score", alert.RiskScore),
		slog.String("severity", string(alert.Severity)),
		slog.Any("messages", alert.Messages))
	return nil
}

type AlertServiceConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// AlertService dispatches alerts to its sinks from a bounded queue served by
// a fixed worker pool.
type AlertService struct {
	sinks        []AlertSink
	messageQueue chan Alert
	workers      int
	sendTimeout  time.Duration
	shutdownChan chan struct{}
	mu           sync.RWMutex // guards closed against in-flight enqueues
	closed       bool
	wg           sync.WaitGroup
	metrics      *metrics.MetricsCollector
	logger       *slog.Logger
}

func NewAlertService(cfg AlertServiceConfig, sinks []AlertSink, m *metrics.MetricsCollector, logger *slog.Logger) *AlertService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultAlertWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultAlertQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	service := &AlertService{
		sinks:        sinks,
		messageQueue: make(chan Alert, cfg.QueueSize),
		workers:      cfg.Workers,
		sendTimeout:  cfg.SendTimeout,
		shutdownChan: make(chan struct{}),
		metrics:      m,
		logger:       logger,
	}

	service.startWorkers()

	return service
}

func NewAlert(tx domain.Transaction, decision domain.Decision) Alert {
	messages := make([]string, 0, len(decision.MatchedRules))
	for _, m := range decision.MatchedRules {
		messages = append(messages, m.Message)
	}

	return Alert{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		RiskScore:     decision.RiskScore,
		Severity:      decision.HighestSeverity(),
		Messages:      messages,
		CreatedAt:     time.Now(),
	}
}

// Notify queues an alert for the decision. It never blocks and reports
// false when the alert was dropped.
func (s *AlertService) Notify(tx domain.Transaction, decision domain.Decision) bool {
	alert := NewAlert(tx, decision)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.metrics.RecordAlert("dropped")
		return false
	}

	select {
	case s.messageQueue <- alert:
		s.metrics.RecordAlert("queued")
		return true
	default:
		s.metrics.RecordAlert("dropped")
		s.logger.Warn("Alert queue full, alert dropped",
			slog.String("transaction_id", tx.ID),
			slog.Int("risk_score", decision.RiskScore))
		return false
	}
}

func (s *AlertService) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *AlertService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("Alert worker started", slog.Int("worker_id", id))

	for {
		select {
		case alert := <-s.messageQueue:
			s.dispatch(alert, id)
		case <-s.shutdownChan:
			s.drain(id)
			s.logger.Debug("Alert worker stopping", slog.Int("worker_id", id))
			return
		}
	}
}

// drain delivers whatever is still queued at shutdown.
func (s *AlertService) drain(workerID int) {
	for {
		select {
		case alert := <-s.messageQueue:
			s.dispatch(alert, workerID)
		default:
			return
		}
	}
}

func (s *AlertService) dispatch(alert Alert, workerID int) {
	for _, sink := range s.sinks {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		err := sink.Send(ctx, alert)
		cancel()

		if err != nil {
			s.metrics.RecordAlert("failed")
			s.logger.Error("Failed to send alert",
				slog.String("transaction_id", alert.TransactionID),
				slog.String("error", err.Error()),
				slog.Int("worker_id", workerID),
				slog.Duration("duration", time.Since(startTime)))
			continue
		}
		s.metrics.RecordAlert("sent")
	}
}

func (s *AlertService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdownChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Alert service shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
