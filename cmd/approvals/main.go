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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/approval-orchestrator/internal/console/handler"
	"github.com/xela07ax/approval-orchestrator/internal/console/server"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/engine"
	"github.com/xela07ax/approval-orchestrator/internal/executor"
	"github.com/xela07ax/approval-orchestrator/internal/infra"
	"github.com/xela07ax/approval-orchestrator/internal/infra/auth"
	"github.com/xela07ax/approval-orchestrator/internal/messaging"
	"github.com/xela07ax/approval-orchestrator/internal/outbox"
	"github.com/xela07ax/approval-orchestrator/internal/repository/memory"
	"github.com/xela07ax/approval-orchestrator/internal/repository/postgres"
)

type storage interface {
	domain.ApprovalStore
	domain.OutboxStore
}

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
		logger.Fatal("approvals service failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Хранилище
	var (
		store  storage
		health server.Health
		guard  engine.ExecutionGuard
	)
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("using in-memory store: data is lost on restart")
		store = memory.NewStore()
		guard = engine.NewMemoryGuard()
	case "postgres":
		pool, err := postgres.NewPool(appCtx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(appCtx, pool, logger); err != nil {
			return err
		}
		repo := postgres.NewApprovalRepo(pool)
		store = repo
		health = func(r *http.Request) error { return repo.Ping(r.Context()) }

		// Маркеры исполнения живут в Redis, чтобы пережить рестарт
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Warn("redis unreachable, execution markers degraded", zap.Error(err))
		}
		guard = engine.NewRedisGuard(rdb, cfg.Engine.MarkerTTL)
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Ключи и системный токен исполнителя
	if len(cfg.Auth.PublicKey) == 0 {
		return errors.New("auth public key is required (auth.public_key_path or AUTH_PUBLIC_KEY_DATA)")
	}
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	tokens, err := serviceTokens(cfg.Auth)
	if err != nil {
		return err
	}

	// 4. Execution Layer
	exec := executor.New(&http.Client{}, tokens, executor.Options{
		Services: map[string]string{
			executor.ServiceProducts: cfg.Executor.ProductsURL,
			executor.ServiceRoutes:   cfg.Executor.RoutesURL,
		},
		Timeout:        cfg.Executor.Timeout,
		RateLimit:      cfg.Executor.RateLimit,
		RateBurst:      cfg.Executor.RateBurst,
		CBMaxRequests:  cfg.Executor.CBMaxRequests,
		CBInterval:     cfg.Executor.CBInterval,
		CBTimeout:      cfg.Executor.CBTimeout,
		CBFailures:     cfg.Executor.CBFailures,
		OnBreakerState: metrics.BreakerState,
	}, logger)

	// 5. Core
	eng := engine.NewEngine(store, exec, logger, engine.WithGuard(guard), engine.WithMetrics(metrics))
	if n, err := eng.Recover(appCtx, cfg.Engine.RecoverAfter); err != nil {
		logger.Error("recover pass failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recover pass settled stale approvals", zap.Int("count", n))
	}

	// 6. Outbox Relay
	if cfg.Outbox.Embedded {
		pub := messaging.NewPublisher(messaging.Options{
			URL:            cfg.Bus.URL,
			Exchange:       cfg.Bus.Exchange,
			ConfirmTimeout: cfg.Bus.ConfirmTimeout,
		}, logger)
		defer pub.Close()
		if err := pub.Connect(appCtx); err != nil {
			// Не фатально: события ждут в outbox
			logger.Warn("event bus unreachable at startup", zap.Error(err))
		}
		relay := outbox.NewRelay(store, pub, outbox.Config{
			Interval:        cfg.Outbox.Interval,
			BatchSize:       cfg.Outbox.BatchSize,
			Lease:           cfg.Outbox.Lease,
			PublishAttempts: cfg.Outbox.PublishAttempts,
			MaxAttempts:     cfg.Outbox.MaxAttempts,
		}, metrics.OutboxPublished, logger)
		relay.Start(appCtx)
		defer relay.Stop()
	}

	// 7. HTTP Server
	api := server.NewCommandServer(logger, auth.NewRSAValidator(pubKey, cfg.Auth.Leeway), reg, health,
		handler.NewApprovalHandler(eng, logger))
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("command API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("approvals service stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("approvals service exited properly")
	return nil
}

// serviceTokens: подписанный системный токен, если есть приватный ключ, иначе статический.
func serviceTokens(cfg infra.AuthConfig) (auth.ServiceTokenSource, error) {
	if len(cfg.PrivateKey) > 0 {
		key, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return auth.NewSignedTokenSource(key, cfg.ServiceIssuer, cfg.ServiceSubject, cfg.ServiceTokenTTL), nil
	}
	if cfg.ServiceToken == "" {
		return nil, errors.New("no service credential: set auth.private_key_path or auth.service_token")
	}
	return auth.StaticTokenSource(cfg.ServiceToken), nil
}
