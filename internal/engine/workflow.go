package engine

/*
Файл workflow.go реализует Approval Workflow Engine — команды конечного автомата заявки.

- Create / Approve / Reject / Cancel и запросы Get / List.
- Каждая команда — одна или две единицы работы (UnitOfWork) хранилища.
  Событие пишется в outbox в той же транзакции, что и переход статуса.
- Approve: первая транзакция фиксирует Approved охранным обновлением
  (двойное одобрение отсекается хранилищем), затем маркер в ExecutionGuard,
  вызов исполнителя и вторая транзакция с исходом Executed/Failed.
- Сбой исполнения — не ошибка команды: он записывается в заявку (Failed + причина).
- Recover добивает заявки, застрявшие в Approved после падения между транзакциями.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/executor"
	"go.uber.org/zap"
)

const (
	reasonAlreadyAttempted = "execution already attempted"
	reasonInterrupted      = "execution interrupted, outcome unknown"
)

// ActionExecutor исполняет одобренную заявку. nil — действие применено.
type ActionExecutor interface {
	Execute(ctx context.Context, a executor.Action) error
}

// CreateCommand — входные данные команды Create.
type CreateCommand struct {
	RequestType   domain.RequestType
	EntityType    string
	EntityID      *string
	ActionData    any
	RequesterID   string
	RequesterName string
}

type Engine struct {
	store   domain.ApprovalStore
	exec    ActionExecutor
	guard   ExecutionGuard
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Engine)

func WithGuard(g ExecutionGuard) Option { return func(e *Engine) { e.guard = g } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock для тестов
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store domain.ApprovalStore, exec ActionExecutor, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		exec:   exec,
		logger: logger.Named("engine"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.guard == nil {
		e.guard = NewMemoryGuard()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

func (e *Engine) Create(ctx context.Context, cmd CreateCommand) (_ *domain.ApprovalRequest, err error) {
	defer func() { e.observe("create", err) }()

	req, err := domain.NewApprovalRequest(cmd.RequestType, cmd.EntityType, cmd.EntityID,
		cmd.ActionData, cmd.RequesterID, cmd.RequesterName, e.now())
	if err != nil {
		return nil, fmt.Errorf("engine: create: %w", err)
	}
	msg, err := domain.NewCreatedMessage(req, e.now())
	if err != nil {
		return nil, fmt.Errorf("engine: create: %w", err)
	}

	err = e.inUnit(ctx, func(uow domain.UnitOfWork) error {
		if err := uow.Add(ctx, req); err != nil {
			return err
		}
		return uow.Enqueue(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create: %w", err)
	}

	e.logger.Info("approval request created",
		zap.String("request_id", req.ID),
		zap.String("request_type", string(req.RequestType)),
		zap.String("requested_by", req.RequestedByID))
	return req, nil
}

// Approve всегда заканчивается Executed или Failed, если первая транзакция прошла.
func (e *Engine) Approve(ctx context.Context, id, approverID, approverName string) (_ *domain.ApprovalRequest, err error) {
	defer func() { e.observe("approve", err) }()

	var req *domain.ApprovalRequest
	err = e.inUnit(ctx, func(uow domain.UnitOfWork) error {
		r, err := uow.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := r.Approve(approverID, approverName, e.now()); err != nil {
			return err
		}
		if err := uow.Update(ctx, r, domain.StatusPending); err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: approve %s: %w", id, err)
	}

	e.logger.Info("approval request approved",
		zap.String("request_id", req.ID),
		zap.String("approved_by", approverID))

	// Отключение вызывающего не должно обрывать исполнение между двумя транзакциями
	if err := e.execute(context.WithoutCancel(ctx), req); err != nil {
		return nil, fmt.Errorf("engine: approve %s: %w", id, err)
	}
	return req, nil
}

func (e *Engine) Reject(ctx context.Context, id, processorID, processorName, reason string) (_ *domain.ApprovalRequest, err error) {
	defer func() { e.observe("reject", err) }()

	var req *domain.ApprovalRequest
	err = e.inUnit(ctx, func(uow domain.UnitOfWork) error {
		r, err := uow.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := r.Reject(processorID, processorName, reason, e.now()); err != nil {
			return err
		}
		msg, err := domain.NewProcessedMessage(r, e.now())
		if err != nil {
			return err
		}
		if err := uow.Update(ctx, r, domain.StatusPending); err != nil {
			return err
		}
		if err := uow.Enqueue(ctx, msg); err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: reject %s: %w", id, err)
	}

	e.logger.Info("approval request rejected",
		zap.String("request_id", req.ID),
		zap.String("rejected_by", processorID))
	return req, nil
}

// Cancel удаляет заявку, пока она в Pending.
func (e *Engine) Cancel(ctx context.Context, id string) (err error) {
	defer func() { e.observe("cancel", err) }()

	err = e.inUnit(ctx, func(uow domain.UnitOfWork) error {
		r, err := uow.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := r.Cancel(); err != nil {
			return err
		}
		msg, err := domain.NewCancelledMessage(r, e.now())
		if err != nil {
			return err
		}
		if err := uow.Delete(ctx, r); err != nil {
			return err
		}
		return uow.Enqueue(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("engine: cancel %s: %w", id, err)
	}

	e.logger.Info("approval request cancelled", zap.String("request_id", id))
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	uow, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: get %s: %w", id, err)
	}
	defer func() { _ = uow.Rollback(ctx) }()

	r, err := uow.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: get %s: %w", id, err)
	}
	return r, nil
}

func (e *Engine) List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("engine: list: %w: unknown status %q", domain.ErrInvalidInput, f.Status)
	}
	list, err := e.store.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("engine: list: %w", err)
	}
	return list, nil
}

// Recover — одноразовый проход на старте по заявкам, застрявшим в Approved дольше olderThan.
// Если маркер исполнения стоит, исход неизвестен и заявка уходит в Failed.
// Иначе действие исполняется как обычно. Возвращает число доведенных заявок.
func (e *Engine) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := e.store.FindStale(ctx, domain.StatusApproved, e.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("engine: recover: %w", err)
	}

	done := 0
	for _, req := range stale {
		log := e.logger.With(zap.String("request_id", req.ID))

		attempted, err := e.guard.Attempted(ctx, req.ID)
		if err != nil {
			log.Error("recover: guard check failed, skipping", zap.Error(err))
			continue
		}

		if attempted {
			log.Warn("recover: execution was attempted before restart, marking failed")
			e.metrics.Executions.WithLabelValues(string(req.RequestType), "interrupted").Inc()
			err = e.finish(ctx, req, errors.New(reasonInterrupted))
		} else {
			log.Info("recover: executing approved request")
			err = e.execute(ctx, req)
		}
		if err != nil {
			log.Error("recover: could not settle request", zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// execute: маркер, вызов исполнителя, запись исхода.
func (e *Engine) execute(ctx context.Context, req *domain.ApprovalRequest) error {
	first, err := e.guard.MarkAttempt(ctx, req.ID)
	if err != nil {
		// Двойное исполнение отсекает охранное обновление в хранилище, маркер нужен только Recover
		e.logger.Warn("execution guard unavailable, proceeding",
			zap.String("request_id", req.ID), zap.Error(err))
		first = true
	}

	var execErr error
	if !first {
		e.metrics.Executions.WithLabelValues(string(req.RequestType), "skipped").Inc()
		execErr = errors.New(reasonAlreadyAttempted)
	} else {
		start := time.Now()
		execErr = e.safeExecute(ctx, req)
		e.metrics.ExecutionDuration.WithLabelValues(string(req.RequestType)).Observe(time.Since(start).Seconds())
		outcome := "executed"
		if execErr != nil {
			outcome = "failed"
		}
		e.metrics.Executions.WithLabelValues(string(req.RequestType), outcome).Inc()
	}

	return e.finish(ctx, req, execErr)
}

func (e *Engine) safeExecute(ctx context.Context, req *domain.ApprovalRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("action executor panicked", zap.String("request_id", req.ID), zap.Any("panic", p))
			err = fmt.Errorf("action executor panic: %v", p)
		}
	}()
	return e.exec.Execute(ctx, executor.Action{
		RequestID: req.ID,
		Type:      req.RequestType,
		Data:      req.ActionData,
	})
}

// finish переводит Approved -> Executed|Failed и пишет событие processed.
func (e *Engine) finish(ctx context.Context, req *domain.ApprovalRequest, execErr error) error {
	if execErr == nil {
		if err := req.MarkExecuted(e.now()); err != nil {
			return err
		}
	} else {
		if err := req.MarkFailed(execErr.Error(), e.now()); err != nil {
			return err
		}
	}

	msg, err := domain.NewProcessedMessage(req, e.now())
	if err != nil {
		return err
	}

	err = e.inUnit(ctx, func(uow domain.UnitOfWork) error {
		if err := uow.Update(ctx, req, domain.StatusApproved); err != nil {
			return err
		}
		return uow.Enqueue(ctx, msg)
	})
	if err != nil {
		// Заявка остается Approved, ее доведет Recover
		e.logger.Error("failed to record execution outcome",
			zap.String("request_id", req.ID),
			zap.String("status", string(req.Status)),
			zap.Error(err))
		return fmt.Errorf("record outcome: %w", err)
	}

	fields := []zap.Field{zap.String("request_id", req.ID), zap.String("status", string(req.Status))}
	if execErr != nil {
		e.logger.Warn("approved action failed", append(fields, zap.Error(execErr))...)
	} else {
		e.logger.Info("approved action executed", fields...)
	}
	return nil
}

// inUnit выполняет fn в одной единице работы: Commit при успехе, Rollback иначе.
func (e *Engine) inUnit(ctx context.Context, fn func(uow domain.UnitOfWork) error) error {
	uow, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback(ctx) }()

	if err := fn(uow); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

func (e *Engine) observe(command string, err error) {
	e.metrics.Commands.WithLabelValues(command, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyProcessed):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownRequestType):
		return "invalid"
	}
	return "error"
}
