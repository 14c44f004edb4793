package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchlock/internal/model"
)

func TestMemoryQueueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, model.Notification{ID: "a"}))
	assert.ErrorIs(t, q.Enqueue(ctx, model.Notification{ID: "b"}), context.DeadlineExceeded)

	n, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", n.ID)
}

func TestRedisQueueRoundTripIntegration(t *testing.T) {
	addr := os.Getenv("MATCHLOCK_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set MATCHLOCK_REDIS_ADDR_INTEGRATION to run")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "matchlock:test:" + xid.New().String()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	q := NewRedisQueue(client, key)
	want := model.Notification{ID: "n1", RecipientID: "alice", RequestID: "r1", Kind: model.KindExpired, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Kind, got.Kind)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}
