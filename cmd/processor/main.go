package main

import (
	"context"
	"errors"
	"fmt"
	"fraud_explorer/internal/api"
	"fraud_explorer/internal/broadcast"
	"fraud_explorer/internal/config"
	"fraud_explorer/internal/processor"
	"fraud_explorer/internal/repository"
	"fraud_explorer/internal/repository/memory"
	"fraud_explorer/internal/repository/natskv"
	"fraud_explorer/internal/repository/postgres"
	"fraud_explorer/internal/service"
	"fraud_explorer/internal/simulator"
	"fraud_explorer/pkg/crypto"
	"fraud_explorer/pkg/metrics"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	appName = "fraud-explorer"

	exitStartup = 2
)

// exitError carries a process exit code out of the command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Real-time fraud rule evaluation and live decision feed",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return &exitError{code: exitStartup, err: err}
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	_ = v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

type stores struct {
	rules       repository.RuleRepository
	decisionLog repository.DecisionLog
	txRepo      repository.TransactionRepository
	close       func()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := setupLogger(cfg.Log)
	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("rule_store", cfg.Store.Driver),
		slog.String("decision_log", cfg.DecisionLog.Driver))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsCollector := metrics.NewMetricsCollector(logger)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return &exitError{code: exitStartup, err: err}
	}
	defer st.close()

	registry := processor.NewRegistry(st.rules, processor.RegistryConfig{
		RefreshInterval: cfg.Engine.RefreshInterval,
	}, metricsCollector, logger)
	if err := registry.Load(ctx); err != nil {
		logger.Error("Initial rule load failed", slog.String("error", err.Error()))
		return &exitError{code: exitStartup, err: err}
	}
	registryCtx, stopRegistry := context.WithCancel(ctx)
	defer stopRegistry()
	go func() {
		_ = registry.Run(registryCtx)
	}()

	engine := processor.NewDecisionEngine(registry, st.decisionLog, processor.EngineConfig{
		PersistTimeout: cfg.Engine.PersistTimeout,
	}, metricsCollector, logger)

	hub := broadcast.NewHub(broadcast.HubConfig{SendBuffer: cfg.Hub.SendBuffer}, metricsCollector, logger)

	var alerts *service.AlertService
	var notifier processor.AlertNotifier
	if cfg.Alerts.Enabled {
		alerts = service.NewAlertService(service.AlertServiceConfig{
			Workers:   cfg.Alerts.Workers,
			QueueSize: cfg.Alerts.QueueSize,
		}, []service.AlertSink{service.NewLogSink(logger)}, metricsCollector, logger)
		notifier = alerts
	}

	txProcessor := processor.NewTransactionProcessor(engine, st.txRepo, hub, notifier, processor.ProcessorConfig{
		Workers:        cfg.Engine.Workers,
		AlertThreshold: cfg.Alerts.Threshold,
		PersistTimeout: cfg.Engine.PersistTimeout,
	}, metricsCollector, logger)

	sim := simulator.New(simulator.Config{
		Interval: cfg.Feed.Interval,
		Currency: cfg.Feed.Currency,
	}, logger)
	hub.AttachFeed(sim, txProcessor.Submit)

	var signer *crypto.Signer
	if cfg.Security.SigningKey != "" {
		signer = crypto.NewSigner(cfg.Security.SigningKey, logger)
	}

	apiHandler := api.NewAPIHandler(api.Dependencies{
		Transactions: txProcessor,
		RuleRepo:     st.rules,
		DecisionLog:  st.decisionLog,
		RuleSet:      registry,
		Feed:         hub,
		Signer:       signer,
		Metrics:      metricsCollector,
		WebSocket: broadcast.NewWebSocketHandler(hub, broadcast.WebSocketConfig{
			WriteTimeout:  cfg.Hub.WriteTimeout,
			PingInterval:  cfg.Hub.PingInterval,
			AllowedOrigin: cfg.Server.AllowedOrigin,
		}, logger),
	}, logger)

	metricsServer := metricsCollector.StartMetricsServer(cfg.Server.MetricsAddr)
	httpServer, serverErr := startHTTPServer(apiHandler, cfg.Server, logger)

	if cfg.Feed.Autostart {
		hub.StartFeed()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("HTTP server failed", slog.String("error", err.Error()))
	}

	shutdown(logger, hub, txProcessor, alerts, httpServer, metricsServer, metricsCollector)
	logger.Info("Application shutdown complete")
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	var closers []io.Closer
	st := &stores{
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		},
	}

	switch cfg.Store.Driver {
	case config.DriverNATS:
		nc, err := nats.Connect(cfg.Store.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("NATS disconnected", slog.String("error", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: connect nats: %w", repository.ErrStoreUnavailable, err)
		}
		closers = append(closers, closerFunc(func() error { nc.Close(); return nil }))

		rules, err := natskv.Open(ctx, nc, cfg.Store.NATS.Bucket, logger)
		if err != nil {
			st.close()
			return nil, err
		}
		st.rules = rules
	default:
		st.rules = memory.NewRuleRepository()
	}

	switch cfg.DecisionLog.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DecisionLog.Postgres.DSN}, logger)
		if err != nil {
			st.close()
			return nil, err
		}
		closers = append(closers, db)
		st.decisionLog = postgres.NewDecisionLog(db)
		st.txRepo = postgres.NewTransactionRepository(db)
	default:
		st.decisionLog = memory.NewDecisionLog()
		st.txRepo = memory.NewTransactionRepository()
	}

	return st, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func startHTTPServer(apiHandler *api.APIHandler, cfg config.ServerConfig, logger *slog.Logger) (*http.Server, <-chan error) {
	mux := http.NewServeMux()

	apiHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name": "%s", "status": "ok"}`, appName)
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.WithCORS(cfg.AllowedOrigin, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	return server, errCh
}

// shutdown stops intake first, lets in-flight transactions finish and then
// closes the servers.
func shutdown(
	logger *slog.Logger,
	hub *broadcast.Hub,
	txProcessor *processor.TransactionProcessor,
	alerts *service.AlertService,
	httpServer *http.Server,
	metricsServer *http.Server,
	metricsCollector *metrics.MetricsCollector,
) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	hub.Close()

	if err := txProcessor.Wait(ctx); err != nil {
		logger.Error("In-flight transactions did not finish", slog.String("error", err.Error()))
	}

	if alerts != nil {
		if err := alerts.Shutdown(ctx); err != nil {
			logger.Error("Alert service shutdown failed", slog.String("error", err.Error()))
		}
	}

	if err := metricsCollector.Shutdown(ctx, metricsServer); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
}
