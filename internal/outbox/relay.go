package outbox

/*
Файл relay.go реализует Outbox Relay: доставку событий, записанных в той же
транзакции, что и переход статуса заявки, в Event Publisher.

- Воркер просыпается по тикеру, арендует пачку строк (ClaimPending) и публикует их по одной.
- Каждая публикация — до N попыток с экспоненциальным бэкоффом (retry-go).
- Успех — MarkSent. Неудача — MarkFailed: строка вернется после истечения аренды.
- После MaxAttempts неудачных проходов строка паркуется (MarkDead) и ждет ручного разбора.
- Доставка at-least-once: консьюмеры дедуплицируют по eventId (= MessageId).
- Stop останавливает тикер, дожидается текущего прохода и делает финальный Flush.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Publisher — Event Publisher с точки зрения релея.
type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

type Config struct {
	Interval        time.Duration
	BatchSize       int
	Lease           time.Duration
	PublishAttempts uint
	RetryDelay      time.Duration
	// MaxAttempts — сколько проходов релея сообщение может провалить до парковки
	MaxAttempts int
}

type Relay struct {
	store  domain.OutboxStore
	pub    Publisher
	cfg    Config
	logger *zap.Logger

	// published{result="sent|failed|dead"}; может быть nil
	published *prometheus.CounterVec

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRelay(store domain.OutboxStore, pub Publisher, cfg Config, published *prometheus.CounterVec, logger *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &Relay{
		store:     store,
		pub:       pub,
		cfg:       cfg,
		published: published,
		logger:    logger.Named("outbox"),
		stop:      make(chan struct{}),
	}
}

func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop ждет, пока воркер закончит текущий проход и дочитает остаток.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping outbox relay: draining pending messages...")
		close(r.stop)
	})
	r.wg.Wait()
	r.logger.Info("outbox relay stopped gracefully")
}

func (r *Relay) worker(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.finalFlush()
			return
		case <-r.stop:
			r.finalFlush()
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Error("outbox flush failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) finalFlush() {
	// Основной контекст может быть уже отменен
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.Flush(ctx); err != nil {
		r.logger.Error("outbox final flush failed", zap.Error(err))
	}
}

// Flush делает один проход: аренда пачки, публикация, отметка. Возвращает число отправленных.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	batch, err := r.store.ClaimPending(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim pending: %w", err)
	}

	sent := 0
	for _, msg := range batch {
		if err := r.publish(ctx, msg); err != nil {
			r.fail(ctx, msg, err)
			continue
		}

		if err := r.store.MarkSent(ctx, msg.ID); err != nil {
			// Сообщение уже у брокера: после аренды уйдет повтор, консьюмер его отбросит
			r.logger.Error("outbox mark sent failed", zap.String("event_id", msg.ID), zap.Error(err))
			continue
		}
		r.count("sent")
		sent++
	}
	return sent, nil
}

func (r *Relay) fail(ctx context.Context, msg domain.OutboxMessage, err error) {
	attempts := msg.Attempts + 1
	fields := []zap.Field{
		zap.String("event_id", msg.ID),
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}

	if attempts >= r.cfg.MaxAttempts {
		r.count("dead")
		r.logger.Error("event publish exhausted attempts, message parked", fields...)
		if mErr := r.store.MarkDead(ctx, msg.ID, err.Error()); mErr != nil {
			r.logger.Error("outbox mark dead failed", zap.String("event_id", msg.ID), zap.Error(mErr))
		}
		return
	}

	r.count("failed")
	r.logger.Warn("event publish failed, will redeliver", fields...)
	if mErr := r.store.MarkFailed(ctx, msg.ID, err.Error()); mErr != nil {
		r.logger.Error("outbox mark failed", zap.String("event_id", msg.ID), zap.Error(mErr))
	}
}

func (r *Relay) publish(ctx context.Context, msg domain.OutboxMessage) error {
	rt := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.cfg.PublishAttempts),
		retry.Delay(r.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return rt.Do(func() error {
		return r.pub.Publish(ctx, msg.RoutingKey, msg.ID, msg.Payload)
	})
}

func (r *Relay) count(result string) {
	if r.published != nil {
		r.published.WithLabelValues(result).Inc()
	}
}
