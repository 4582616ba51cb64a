package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/repository/memory"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu    sync.Mutex
	keys  []string
	ids   []string
	fails int
}

func (f *fakePublisher) Publish(_ context.Context, routingKey, messageID string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("broker unavailable")
	}
	f.keys = append(f.keys, routingKey)
	f.ids = append(f.ids, messageID)
	return nil
}

func (f *fakePublisher) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func seed(t *testing.T, store *memory.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		r, err := domain.NewApprovalRequest(domain.RequestDeleteRoute, "Route", nil,
			map[string]any{"routeId": "r"}, "u-1", "Alice", time.Now())
		require.NoError(t, err)
		msg, err := domain.NewCreatedMessage(r, time.Now())
		require.NoError(t, err)

		uow, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, uow.Add(ctx, r))
		require.NoError(t, uow.Enqueue(ctx, msg))
		require.NoError(t, uow.Commit(ctx))
		ids = append(ids, msg.ID)
	}
	return ids
}

func newCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_outbox_published_total"}, []string{"result"})
}

func TestFlush_PublishesAndMarksSent(t *testing.T) {
	store := memory.NewStore()
	ids := seed(t, store, 3)
	pub := &fakePublisher{}
	counter := newCounter()
	relay := NewRelay(store, pub, Config{RetryDelay: time.Millisecond}, counter, zap.NewNop())

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, ids, pub.Sent())
	assert.Equal(t, 3.0, testutil.ToFloat64(counter.WithLabelValues("sent")))

	for _, m := range store.Messages() {
		assert.NotNil(t, m.SentAt)
	}

	// повторный проход ничего не шлет
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_RetriesWithinAttempts(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 1)
	pub := &fakePublisher{fails: 2}
	relay := NewRelay(store, pub, Config{PublishAttempts: 3, RetryDelay: time.Millisecond}, nil, zap.NewNop())

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlush_FailureIsRedelivered(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	ids := seed(t, store, 1)

	pub := &fakePublisher{fails: 2}
	counter := newCounter()
	relay := NewRelay(store, pub, Config{PublishAttempts: 2, Lease: time.Minute, RetryDelay: time.Millisecond}, counter, zap.NewNop())

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("failed")))

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Equal(t, "broker unavailable", msgs[0].LastError)
	assert.Nil(t, msgs[0].SentAt)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ids, pub.Sent())
}

func TestFlush_ParksAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	seed(t, store, 2)

	pub := &fakePublisher{fails: 1000}
	counter := newCounter()
	relay := NewRelay(store, pub, Config{PublishAttempts: 1, MaxAttempts: 3, RetryDelay: time.Millisecond}, counter, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := relay.Flush(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(counter.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.WithLabelValues("dead")))

	for _, m := range store.Messages() {
		assert.Equal(t, 3, m.Attempts)
		assert.NotNil(t, m.DeadAt)
		assert.Nil(t, m.SentAt)
	}

	// запаркованные сообщения релей больше не трогает
	pub.mu.Lock()
	pub.fails = 0
	pub.mu.Unlock()
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.Sent())
}

func TestStartStop_DrainsOnStop(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, 2)
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, Config{Interval: time.Hour}, nil, zap.NewNop())

	relay.Start(context.Background())
	relay.Stop()
	relay.Stop()

	assert.Len(t, pub.Sent(), 2)
}
