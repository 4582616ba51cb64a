package executor

/*
Файл executor.go реализует Action Executor — исполнение одобренной заявки
вызовом "approved"-эндпойнта сервиса-владельца.

- Одна попытка на переход Approve: без ретраев. Повтор защищен Idempotency-Key,
  детерминированно выведенным из ID заявки.
- Системный bearer-токен, а не токен ревьюера.
- Таймаут на вызов, Circuit Breaker на каждый сервис, общий Rate Limiter.
- Любой сбой возвращается как error: наружу не уходит ни паника, ни частичный результат.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Пространство имен для UUIDv5 ключей идемпотентности
var idempotencyNamespace = uuid.MustParse("4b6f3c1e-9d7a-5e55-8a3f-2c1d0e9b7a61")

const maxErrorBody = 512

// Action — то, что исполнитель получает от движка.
type Action struct {
	RequestID string
	Type      domain.RequestType
	Data      json.RawMessage
}

// IdempotencyKey стабилен для заявки: повторный вызов сервис-владелец отбросит.
func IdempotencyKey(requestID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(requestID)).String()
}

type Options struct {
	// Базовые URL сервисов-владельцев: ServiceProducts, ServiceRoutes
	Services map[string]string
	Timeout  time.Duration

	RateLimit float64
	RateBurst int

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32

	// OnBreakerState вызывается при смене состояния предохранителя (метрики)
	OnBreakerState func(service string, open bool)
	// Handlers переопределяет таблицу веток (по умолчанию DefaultHandlers)
	Handlers map[domain.RequestType]Handler
}

type service struct {
	baseURL string
	cb      *gobreaker.CircuitBreaker
}

type HTTPExecutor struct {
	client   *http.Client
	tokens   auth.ServiceTokenSource
	limiter  *rate.Limiter
	timeout  time.Duration
	handlers map[domain.RequestType]Handler
	services map[string]*service
	logger   *zap.Logger
}

func New(client *http.Client, tokens auth.ServiceTokenSource, opts Options, logger *zap.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.CBFailures == 0 {
		opts.CBFailures = 5
	}
	handlers := opts.Handlers
	if handlers == nil {
		handlers = DefaultHandlers()
	}

	e := &HTTPExecutor{
		client:   client,
		tokens:   tokens,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		timeout:  opts.Timeout,
		handlers: handlers,
		services: make(map[string]*service, len(opts.Services)),
		logger:   logger.Named("executor"),
	}

	for name, baseURL := range opts.Services {
		name := name
		failures := opts.CBFailures
		e.services[name] = &service{
			baseURL: strings.TrimRight(baseURL, "/"),
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        "approved-" + name,
				MaxRequests: opts.CBMaxRequests,
				Interval:    opts.CBInterval,
				Timeout:     opts.CBTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= failures
				},
				// 4xx — проблема payload, а не доступности сервиса
				IsSuccessful: func(err error) bool {
					var se *StatusError
					if errors.As(err, &se) {
						return se.Code < 500
					}
					return err == nil
				},
				OnStateChange: func(_ string, from, to gobreaker.State) {
					e.logger.Warn("circuit breaker state changed",
						zap.String("service", name),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
					if opts.OnBreakerState != nil {
						opts.OnBreakerState(name, to == gobreaker.StateOpen)
					}
				},
			}),
		}
	}
	return e
}

// Execute выполняет одно действие. nil — сервис-владелец ответил 2xx.
func (e *HTTPExecutor) Execute(ctx context.Context, a Action) error {
	h, ok := e.handlers[a.Type]
	if !ok {
		return fmt.Errorf("executor: %w: %q", domain.ErrUnknownRequestType, a.Type)
	}

	call, err := h(a.Data)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	svc, ok := e.services[call.Service]
	if !ok || svc.baseURL == "" {
		return fmt.Errorf("executor: service %q is not configured", call.Service)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("executor: rate limit wait: %w", err)
	}

	token, err := e.tokens.Token()
	if err != nil {
		return fmt.Errorf("executor: service credential: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	_, err = svc.cb.Execute(func() (interface{}, error) {
		return nil, e.do(callCtx, svc.baseURL, call, a.RequestID, token)
	})

	fields := []zap.Field{
		zap.String("request_id", a.RequestID),
		zap.String("request_type", string(a.Type)),
		zap.String("method", call.Method),
		zap.String("path", call.Path),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		e.logger.Warn("approved action failed", append(fields, zap.Error(err))...)
		return fmt.Errorf("executor: %s %s: %w", call.Method, call.Path, err)
	}
	e.logger.Info("approved action executed", fields...)
	return nil
}

func (e *HTTPExecutor) do(ctx context.Context, baseURL string, call *Call, requestID, token string) error {
	var body io.Reader
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, baseURL+call.Path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", IdempotencyKey(requestID))
	req.Header.Set("X-Approval-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
