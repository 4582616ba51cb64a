package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/approval-orchestrator/internal/engine"
	"github.com/xela07ax/approval-orchestrator/internal/infra"
	"github.com/xela07ax/approval-orchestrator/internal/messaging"
	"github.com/xela07ax/approval-orchestrator/internal/outbox"
	"github.com/xela07ax/approval-orchestrator/internal/repository/postgres"
)

// Отдельный релей outbox для Postgres-развертывания.
func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	if cfg.Database.Driver != "postgres" {
		return errors.New("outbox relay requires database.driver = postgres")
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(appCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := postgres.NewApprovalRepo(pool)

	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()

	pub := messaging.NewPublisher(messaging.Options{
		URL:            cfg.Bus.URL,
		Exchange:       cfg.Bus.Exchange,
		ConfirmTimeout: cfg.Bus.ConfirmTimeout,
	}, logger)
	defer pub.Close()
	if err := pub.Connect(appCtx); err != nil {
		logger.Warn("event bus unreachable at startup", zap.Error(err))
	}

	relay := outbox.NewRelay(repo, pub, outbox.Config{
		Interval:        cfg.Outbox.Interval,
		BatchSize:       cfg.Outbox.BatchSize,
		Lease:           cfg.Outbox.Lease,
		PublishAttempts: cfg.Outbox.PublishAttempts,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
	}, metrics.OutboxPublished, logger)
	relay.Start(appCtx)
	logger.Info("outbox relay started", zap.String("exchange", cfg.Bus.Exchange))

	<-appCtx.Done()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("outbox relay exited properly")
	return nil
}
