package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a private registry. Every recording method is safe
// to call on a nil receiver, which turns it into a no-op.
type MetricsCollector struct {
	registry              *prometheus.Registry
	transactionsProcessed prometheus.Counter
	transactionsFailed    prometheus.Counter
	decisions             *prometheus.CounterVec
	decisionDuration      prometheus.Histogram
	riskScoreDistribution prometheus.Histogram
	ruleMatches           *prometheus.CounterVec
	persistenceFailures   prometheus.Counter
	registryRefreshes     *prometheus.CounterVec
	activeRules           prometheus.Gauge
	compileErrors         prometheus.Counter
	subscribers           prometheus.Gauge
	deliveriesDropped     *prometheus.CounterVec
	feedRunning           prometheus.Gauge
	alerts                *prometheus.CounterVec
	logger                *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	collector := &MetricsCollector{
		registry: registry,
		transactionsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transactions_processed_total",
			Help: "Total number of transactions that went through the pipeline",
		}),
		transactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "transactions_failed_total",
			Help: "Total number of transactions rejected by the pipeline",
		}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_decisions_total",
			Help: "Total number of decisions by outcome",
		}, []string{"outcome"}),
		decisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_decision_duration_seconds",
			Help:    "Time taken to evaluate all active rules against a transaction",
			Buckets: prometheus.DefBuckets,
		}),
		riskScoreDistribution: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_risk_score_distribution",
			Help:    "Distribution of decision risk scores",
			Buckets: []float64{0, 10, 20, 30, 40, 60, 80, 100},
		}),
		ruleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_rule_matches_total",
			Help: "Total number of rule matches by severity",
		}, []string{"severity"}),
		persistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_decision_persistence_failures_total",
			Help: "Total number of decisions that could not be written to the decision log",
		}),
		registryRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_rule_registry_refreshes_total",
			Help: "Total number of rule registry refreshes by result",
		}, []string{"result"}),
		activeRules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_active_rules",
			Help: "Number of compiled rules in the current registry snapshot",
		}),
		compileErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fraud_rule_compile_errors_total",
			Help: "Total number of rule definitions rejected by the compiler",
		}),
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_hub_subscribers",
			Help: "Number of connected broadcast subscribers",
		}),
		deliveriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_hub_deliveries_dropped_total",
			Help: "Total number of events not delivered to a subscriber by reason",
		}, []string{"reason"}),
		feedRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fraud_feed_running",
			Help: "1 when the upstream transaction feed is running",
		}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_alerts_total",
			Help: "Total number of fraud alerts by result",
		}, []string{"result"}),
		logger: logger,
	}

	return collector
}

func (m *MetricsCollector) RecordTransaction(success bool) {
	if m == nil {
		return
	}
	if success {
		m.transactionsProcessed.Inc()
	} else {
		m.transactionsFailed.Inc()
	}
}

func (m *MetricsCollector) RecordDecision(duration time.Duration, riskScore int, fraudulent bool) {
	if m == nil {
		return
	}
	outcome := "legitimate"
	if fraudulent {
		outcome = "fraudulent"
	}
	m.decisions.WithLabelValues(outcome).Inc()
	m.decisionDuration.Observe(duration.Seconds())
	m.riskScoreDistribution.Observe(float64(riskScore))
}

func (m *MetricsCollector) RecordRuleMatch(severity string) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(severity).Inc()
}

func (m *MetricsCollector) RecordPersistenceFailure() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

func (m *MetricsCollector) RecordRegistryRefresh(result string, activeRules int) {
	if m == nil {
		return
	}
	m.registryRefreshes.WithLabelValues(result).Inc()
	if result == "ok" {
		m.activeRules.Set(float64(activeRules))
	}
}

func (m *MetricsCollector) RecordCompileError() {
	if m == nil {
		return
	}
	m.compileErrors.Inc()
}

func (m *MetricsCollector) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *MetricsCollector) RecordDeliveryDropped(reason string) {
	if m == nil {
		return
	}
	m.deliveriesDropped.WithLabelValues(reason).Inc()
}

func (m *MetricsCollector) SetFeedRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.feedRunning.Set(1)
	} else {
		m.feedRunning.Set(0)
	}
}

func (m *MetricsCollector) RecordAlert(result string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(result).Inc()
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.GetHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	m.logger.Info("Metrics server shutdown complete")
	return nil
}
