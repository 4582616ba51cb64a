package messaging

/*
Файл amqp.go реализует Event Publisher поверх RabbitMQ (AMQP 0.9.1).

- Одно долгоживущее соединение и один confirm-канал на процесс, доступ под мьютексом.
- Топик-обменник объявляется durable при каждом (пере)подключении.
- Publish ждет подтверждения брокера: релей помечает строку outbox отправленной только после ack.
- После обрыва соединение поднимается лениво, на следующем Publish (retry-go с бэкоффом).
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	contentTypeJSON = "application/json"
	appID           = "approval-orchestrator"
)

var ErrNotConfirmed = errors.New("messaging: broker did not confirm publish")

// channel — то, что нужно паблишеру от *amqp.Channel.
type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

type Options struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration
	// Попытки подключения внутри одного Publish
	ConnectAttempts uint
	ConnectDelay    time.Duration
}

type Publisher struct {
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel

	// open подменяется в тестах
	open func() (channel, error)
}

func NewPublisher(opts Options, logger *zap.Logger) *Publisher {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Second
	}
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = 200 * time.Millisecond
	}
	p := &Publisher{
		opts:   opts,
		logger: logger.Named("amqp"),
	}
	p.open = p.dial
	return p
}

// Connect поднимает соединение заранее, чтобы ошибки конфигурации всплыли на старте.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.channelLocked(ctx)
	return err
}

// Publish отправляет одно persistent-сообщение и ждет ack брокера.
func (p *Publisher) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked(ctx)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(pubCtx, p.opts.Exchange, routingKey, false, false,
		NewPublishing(messageID, body, time.Now()))
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("messaging: publish %s: %w", routingKey, err)
	}
	// nil — канал не в confirm-режиме, подтверждать нечего
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(pubCtx)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("messaging: wait confirm %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s %s", ErrNotConfirmed, routingKey, messageID)
	}
	return nil
}

// NewPublishing собирает AMQP-сообщение для события.
func NewPublishing(messageID string, body []byte, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    now.UTC(),
		AppId:        appID,
		Body:         body,
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *Publisher) channelLocked(ctx context.Context) (channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(p.opts.ConnectAttempts),
		retry.Delay(p.opts.ConnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	var ch channel
	err := r.Do(func() error {
		c, err := p.open()
		if err != nil {
			p.logger.Warn("amqp connect failed", zap.Error(err))
			return err
		}
		ch = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) dial() (channel, error) {
	conn, err := amqp.DialConfig(p.opts.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": appID},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	// durable topic, не auto-delete
	if err := ch.ExchangeDeclare(p.opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.opts.Exchange, err)
	}

	p.conn = conn
	p.logger.Info("amqp connected", zap.String("exchange", p.opts.Exchange))
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
