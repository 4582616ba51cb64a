package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/approval-orchestrator/internal/infra"
)

// ExecutionGuard хранит маркер "исполнение уже запускалось".
// Маркер ставится до вызова сервиса-владельца и переживает падение процесса.
type ExecutionGuard interface {
	// MarkAttempt ставит маркер. false — маркер уже стоял.
	MarkAttempt(ctx context.Context, requestID string) (bool, error)
	Attempted(ctx context.Context, requestID string) (bool, error)
}

type RedisGuard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisGuard(rdb redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisGuard) MarkAttempt(ctx context.Context, requestID string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, infra.ExecutionMarkerKey(requestID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis guard: set marker %s: %w", requestID, err)
	}
	return ok, nil
}

func (g *RedisGuard) Attempted(ctx context.Context, requestID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, infra.ExecutionMarkerKey(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis guard: check marker %s: %w", requestID, err)
	}
	return n > 0, nil
}

// MemoryGuard — для одиночного процесса без Redis (database.driver = memory) и тестов.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

func (g *MemoryGuard) MarkAttempt(_ context.Context, requestID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[requestID]; ok {
		return false, nil
	}
	g.seen[requestID] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Attempted(_ context.Context, requestID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[requestID]
	return ok, nil
}
