package memory

/*
Файл store.go — in-memory реализация ApprovalStore и OutboxStore.
Используется для локального запуска (database.driver = memory) и в тестах движка.
Семантика охранного обновления та же, что и в Postgres: проверка статуса
выполняется под общей блокировкой в момент Commit.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/approval-orchestrator/internal/domain"
)

var errUnitClosed = errors.New("memory: unit of work already closed")

type Store struct {
	mu       sync.Mutex
	requests map[string]*domain.ApprovalRequest
	outbox   []*domain.OutboxMessage
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		requests: make(map[string]*domain.ApprovalRequest),
		now:      time.Now,
	}
}

// SetClock подменяет часы (для тестов аренды outbox).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Begin(_ context.Context) (domain.UnitOfWork, error) {
	return &unitOfWork{store: s}, nil
}

func (s *Store) Find(_ context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*domain.ApprovalRequest, 0)
	for _, r := range s.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.RequestType != "" && r.RequestType != f.RequestType {
			continue
		}
		if f.RequestedBy != "" && r.RequestedByID != f.RequestedBy {
			continue
		}
		results = append(results, r.Clone())
	}

	// Как и в Postgres: свежие сверху
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) FindStale(_ context.Context, status domain.ApprovalStatus, before time.Time) ([]*domain.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*domain.ApprovalRequest, 0)
	for _, r := range s.requests {
		if r.Status != status {
			continue
		}
		ts := r.CreatedAt
		if r.ProcessedAt != nil {
			ts = *r.ProcessedAt
		}
		if ts.Before(before) {
			results = append(results, r.Clone())
		}
	}
	return results, nil
}

// Messages возвращает копию всего outbox в порядке записи.
func (s *Store) Messages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	return out
}

func (s *Store) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	until := now.Add(lease)
	claimed := make([]domain.OutboxMessage, 0)
	for _, m := range s.outbox {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if m.SentAt != nil || m.DeadAt != nil {
			continue
		}
		if m.LockedUntil != nil && m.LockedUntil.After(now) {
			continue
		}
		u := until
		m.LockedUntil = &u
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *Store) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(id)
	if m == nil {
		return fmt.Errorf("memory: outbox message %s: %w", id, domain.ErrNotFound)
	}
	t := s.now()
	m.SentAt = &t
	m.LockedUntil = nil
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(id)
	if m == nil {
		return fmt.Errorf("memory: outbox message %s: %w", id, domain.ErrNotFound)
	}
	m.Attempts++
	m.LastError = reason
	m.LockedUntil = nil
	return nil
}

func (s *Store) MarkDead(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findMessage(id)
	if m == nil {
		return fmt.Errorf("memory: outbox message %s: %w", id, domain.ErrNotFound)
	}
	t := s.now()
	m.Attempts++
	m.LastError = reason
	m.DeadAt = &t
	m.LockedUntil = nil
	return nil
}

func (s *Store) findMessage(id string) *domain.OutboxMessage {
	for _, m := range s.outbox {
		if m.ID == id {
			return m
		}
	}
	return nil
}

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opDelete
)

type op struct {
	kind     opKind
	req      *domain.ApprovalRequest
	expected domain.ApprovalStatus
}

type unitOfWork struct {
	store  *Store
	ops    []op
	outbox []domain.OutboxMessage
	closed bool
}

func (u *unitOfWork) Get(_ context.Context, id string) (*domain.ApprovalRequest, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	r, ok := u.store.requests[id]
	if !ok {
		return nil, fmt.Errorf("memory: request %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (u *unitOfWork) Add(_ context.Context, r *domain.ApprovalRequest) error {
	if u.closed {
		return errUnitClosed
	}
	u.ops = append(u.ops, op{kind: opAdd, req: r.Clone()})
	return nil
}

func (u *unitOfWork) Update(_ context.Context, r *domain.ApprovalRequest, expected domain.ApprovalStatus) error {
	if u.closed {
		return errUnitClosed
	}
	u.ops = append(u.ops, op{kind: opUpdate, req: r.Clone(), expected: expected})
	return nil
}

func (u *unitOfWork) Delete(_ context.Context, r *domain.ApprovalRequest) error {
	if u.closed {
		return errUnitClosed
	}
	u.ops = append(u.ops, op{kind: opDelete, req: r.Clone(), expected: domain.StatusPending})
	return nil
}

func (u *unitOfWork) Enqueue(_ context.Context, msg domain.OutboxMessage) error {
	if u.closed {
		return errUnitClosed
	}
	u.outbox = append(u.outbox, msg)
	return nil
}

// Commit: сначала валидируем все операции, потом применяем. Либо все, либо ничего.
func (u *unitOfWork) Commit(_ context.Context) error {
	if u.closed {
		return errUnitClosed
	}
	u.closed = true

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range u.ops {
		cur, exists := s.requests[o.req.ID]
		switch o.kind {
		case opAdd:
			if exists {
				return fmt.Errorf("memory: request %s already exists", o.req.ID)
			}
		case opUpdate, opDelete:
			if !exists {
				return fmt.Errorf("memory: request %s: %w", o.req.ID, domain.ErrNotFound)
			}
			if cur.Status != o.expected {
				return fmt.Errorf("memory: request %s is %s: %w", o.req.ID, cur.Status, domain.ErrAlreadyProcessed)
			}
		}
	}

	for _, o := range u.ops {
		switch o.kind {
		case opAdd, opUpdate:
			s.requests[o.req.ID] = o.req
		case opDelete:
			delete(s.requests, o.req.ID)
		}
	}
	for i := range u.outbox {
		m := u.outbox[i]
		s.outbox = append(s.outbox, &m)
	}
	return nil
}

func (u *unitOfWork) Rollback(_ context.Context) error {
	u.closed = true
	u.ops = nil
	u.outbox = nil
	return nil
}
