package postgres

/*
Файл approval_repo.go содержит реализацию хранилища заявок на подтверждение (Human-in-the-loop).
Каждая команда движка работает внутри собственной транзакции (UnitOfWork).
Охранное обновление WHERE status = $expected исключает Double Decision
без предварительного SELECT ... FOR UPDATE.
*/

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
)

const approvalColumns = `id, request_type, entity_type, entity_id, action_data,
	requested_by_id, requested_by_name, status, approved_by_id, approved_by_name,
	rejection_reason, created_at, processed_at`

// В SELECT приводим uuid к text, чтобы сканировать в string
const approvalSelect = `id::text, request_type, entity_type, entity_id, action_data,
	requested_by_id, requested_by_name, status, approved_by_id, approved_by_name,
	rejection_reason, created_at, processed_at`

type ApprovalRepo struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

// Ping проверяет доступность базы при старте
func (r *ApprovalRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *ApprovalRepo) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin unit of work: %w", err)
	}
	return &unitOfWork{tx: tx}, nil
}

// Find фильтрация и выборка списка запросов (Decision Queue).
func (r *ApprovalRepo) Find(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalSelect + ` FROM approval_requests`

	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.RequestType != "" {
		args = append(args, string(f.RequestType))
		conds = append(conds, fmt.Sprintf("request_type = $%d", len(args)))
	}
	if f.RequestedBy != "" {
		args = append(args, f.RequestedBy)
		conds = append(conds, fmt.Sprintf("requested_by_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	return collectApprovals(rows)
}

func (r *ApprovalRepo) FindStale(ctx context.Context, status domain.ApprovalStatus, before time.Time) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalSelect + ` FROM approval_requests
	          WHERE status = $1 AND COALESCE(processed_at, created_at) < $2
	          ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, string(status), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query stale approvals: %w", err)
	}
	return collectApprovals(rows)
}

func collectApprovals(rows pgx.Rows) ([]*domain.ApprovalRequest, error) {
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var app domain.ApprovalRequest
	var requestType, status string

	err := row.Scan(
		&app.ID,
		&requestType,
		&app.EntityType,
		&app.EntityID,
		&app.ActionData,
		&app.RequestedByID,
		&app.RequestedByName,
		&status,
		&app.ApprovedByID,
		&app.ApprovedByName,
		&app.RejectionReason,
		&app.CreatedAt,
		&app.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	app.RequestType = domain.RequestType(requestType)
	app.Status = domain.ApprovalStatus(status)
	return &app, nil
}

type unitOfWork struct {
	tx pgx.Tx
}

func (u *unitOfWork) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	// Невалидный UUID в БД не найдется в любом случае
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("postgres: request %q: %w", id, domain.ErrNotFound)
	}

	row := u.tx.QueryRow(ctx, `SELECT `+approvalSelect+` FROM approval_requests WHERE id = $1`, id)
	app, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: request %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: failed to get approval: %w", err)
	}
	return app, nil
}

func (u *unitOfWork) Add(ctx context.Context, app *domain.ApprovalRequest) error {
	query := `INSERT INTO approval_requests (` + approvalColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := u.tx.Exec(ctx, query,
		app.ID, string(app.RequestType), app.EntityType, app.EntityID, app.ActionData,
		app.RequestedByID, app.RequestedByName, string(app.Status),
		app.ApprovedByID, app.ApprovedByName, app.RejectionReason,
		app.CreatedAt, app.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// Update атомарно обновляет статус и поля решения.
// action_data не трогаем никогда: он неизменяем после создания.
func (u *unitOfWork) Update(ctx context.Context, app *domain.ApprovalRequest, expected domain.ApprovalStatus) error {
	query := `
		UPDATE approval_requests
		SET status = $1,
		    approved_by_id = $2,
		    approved_by_name = $3,
		    rejection_reason = $4,
		    processed_at = $5
		WHERE id = $6 AND status = $7`

	ct, err := u.tx.Exec(ctx, query,
		string(app.Status), app.ApprovedByID, app.ApprovedByName, app.RejectionReason,
		app.ProcessedAt, app.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update approval status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Либо ID неверный, либо (что чаще) решение уже было принято параллельно
		return fmt.Errorf("postgres: request %s is no longer %s: %w", app.ID, expected, domain.ErrAlreadyProcessed)
	}
	return nil
}

func (u *unitOfWork) Delete(ctx context.Context, app *domain.ApprovalRequest) error {
	ct, err := u.tx.Exec(ctx,
		`DELETE FROM approval_requests WHERE id = $1 AND status = $2`,
		app.ID, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("postgres: failed to delete approval: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: request %s is no longer pending: %w", app.ID, domain.ErrAlreadyProcessed)
	}
	return nil
}

func (u *unitOfWork) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := u.tx.Exec(ctx,
		`INSERT INTO approval_outbox (id, routing_key, payload, created_at) VALUES ($1, $2, $3, $4)`,
		msg.ID, msg.RoutingKey, msg.Payload, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to enqueue outbox message: %w", err)
	}
	return nil
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}
