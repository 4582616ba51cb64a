package domain

import (
	"context"
	"time"
)

// ApprovalStore — контракт хранилища агрегата ApprovalRequest.
// Каждая команда движка — это одна или две единицы работы (UnitOfWork),
// никогда не разделяемые между командами.
type ApprovalStore interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	Find(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)
	// FindStale возвращает заявки, застрявшие в статусе status дольше, чем до before.
	FindStale(ctx context.Context, status ApprovalStatus, before time.Time) ([]*ApprovalRequest, error)
}

// UnitOfWork накапливает изменения и атомарно фиксирует их в Commit.
type UnitOfWork interface {
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Add(ctx context.Context, r *ApprovalRequest) error
	// Update сохраняет r, только если в хранилище статус все еще равен expected.
	// Иначе — ErrAlreadyProcessed (защита от двойного решения).
	Update(ctx context.Context, r *ApprovalRequest, expected ApprovalStatus) error
	// Delete удаляет заявку, только если она все еще Pending.
	Delete(ctx context.Context, r *ApprovalRequest) error
	Enqueue(ctx context.Context, msg OutboxMessage) error
	Commit(ctx context.Context) error
	// Rollback безопасно вызывать после Commit (no-op).
	Rollback(ctx context.Context) error
}

// OutboxStore используется релеем для доставки событий на шину.
type OutboxStore interface {
	// ClaimPending арендует до limit неотправленных сообщений на время lease.
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	// MarkDead паркует сообщение: ClaimPending больше его не выдает.
	MarkDead(ctx context.Context, id string, reason string) error
}
