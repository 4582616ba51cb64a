package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/approval-orchestrator/internal/domain"
)

// ClaimPending арендует пачку неотправленных сообщений.
// SKIP LOCKED позволяет нескольким релеям работать параллельно без двойной выдачи.
func (r *ApprovalRepo) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	query := `
		WITH next AS (
			SELECT id FROM approval_outbox
			WHERE sent_at IS NULL AND dead_at IS NULL AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE approval_outbox o
		SET locked_until = NOW() + make_interval(secs => $2)
		FROM next
		WHERE o.id = next.id
		RETURNING o.id::text, o.routing_key, o.payload, o.attempts, COALESCE(o.last_error, ''), o.created_at, o.locked_until`

	rows, err := r.pool.Query(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to claim outbox: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.OutboxMessage, 0)
	for rows.Next() {
		var m domain.OutboxMessage
		var lockedUntil time.Time
		if err := rows.Scan(&m.ID, &m.RoutingKey, &m.Payload, &m.Attempts, &m.LastError, &m.CreatedAt, &lockedUntil); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan outbox message: %w", err)
		}
		m.LockedUntil = &lockedUntil
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}

	// RETURNING не гарантирует порядок
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (r *ApprovalRepo) MarkSent(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE approval_outbox SET sent_at = NOW(), locked_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark outbox sent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: outbox message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkFailed снимает аренду, чтобы следующий тик релея повторил доставку.
func (r *ApprovalRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE approval_outbox
		 SET attempts = attempts + 1, last_error = $2, locked_until = NULL
		 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark outbox failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: outbox message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkDead паркует сообщение. Вернуть его в очередь: UPDATE ... SET dead_at = NULL.
func (r *ApprovalRepo) MarkDead(ctx context.Context, id string, reason string) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE approval_outbox
		 SET attempts = attempts + 1, last_error = $2, dead_at = NOW(), locked_until = NULL
		 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: failed to park outbox message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: outbox message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
