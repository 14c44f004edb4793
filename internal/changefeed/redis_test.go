package changefeed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFeedIntegration(t *testing.T) {
	addr := os.Getenv("MATCHLOCK_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set MATCHLOCK_REDIS_ADDR_INTEGRATION to run")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed := NewRedisFeed(client, nil)
	party := "party-" + xid.New().String()
	events, stop := feed.Subscribe(ctx, party)
	defer stop()

	// Subscription setup is asynchronous; publish until the hint lands.
	var got Event
	require.Eventually(t, func() bool {
		_ = feed.Publish(ctx, Event{PartyID: party, RequestID: "r1", Status: "accepted"})
		select {
		case got = <-events:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 4*time.Second, 10*time.Millisecond)
	assert.Equal(t, "r1", got.RequestID)

	require.NoError(t, feed.Close())
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, time.Second, 5*time.Millisecond)
}

// Close must end subscriptions even when Redis never answers, so SSE
// streams drain before the HTTP server waits on them.
func TestRedisFeedCloseEndsSubscriptions(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	feed := NewRedisFeed(client, nil)
	events, stop := feed.Subscribe(context.Background(), "alice")
	defer stop()

	require.NoError(t, feed.Close())
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open after Close")
	}
	require.NoError(t, feed.Close(), "close is idempotent")
}
