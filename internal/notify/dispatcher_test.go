package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchlock/internal/clock"
	"matchlock/internal/model"
)

type memOutbox struct {
	mu   sync.Mutex
	rows map[string]*model.Notification
}

func newMemOutbox(now time.Time, ids ...string) *memOutbox {
	o := &memOutbox{rows: make(map[string]*model.Notification)}
	for _, id := range ids {
		next := now
		o.rows[id] = &model.Notification{ID: id, RecipientID: "alice", RequestID: "r1", Kind: model.KindAccepted, CreatedAt: now, NextAttemptAt: &next}
	}
	return o
}

func (o *memOutbox) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.Notification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.Notification
	for _, n := range o.rows {
		if len(out) >= limit {
			break
		}
		if n.NextAttemptAt == nil || n.NextAttemptAt.After(now) || n.Delivered() {
			continue
		}
		until := now.Add(lease)
		n.NextAttemptAt = &until
		out = append(out, *n)
	}
	return out, nil
}

func (o *memOutbox) MarkDelivered(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.rows[id]
	n.DeliveredAt = &at
	n.NextAttemptAt = nil
	n.Attempts++
	return nil
}

func (o *memOutbox) MarkFailed(_ context.Context, id string, attempts int, next *time.Time, lastErr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.rows[id]
	n.Attempts = attempts
	n.NextAttemptAt = next
	n.LastError = lastErr
	return nil
}

func (o *memOutbox) get(id string) model.Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.rows[id]
}

type scriptedPusher struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (p *scriptedPusher) Push(context.Context, model.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("gateway unavailable")
	}
	return nil
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	got := []time.Duration{b.Delay(1), b.Delay(2), b.Delay(3), b.Delay(4), b.Delay(5), b.Delay(60)}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
}

func TestDeliverRetriesThenDeadLetters(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	clk := clock.NewManual(t0)
	outbox := newMemOutbox(t0, "n1")
	pusher := &scriptedPusher{fails: 100}
	d := NewDispatcher(outbox, NewMemoryQueue(4), pusher, nil, nil, Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
	}).WithClock(clk)
	ctx := context.Background()

	d.deliver(ctx, outbox.get("n1"))
	n := outbox.get("n1")
	assert.Equal(t, 1, n.Attempts)
	require.NotNil(t, n.NextAttemptAt)
	assert.True(t, n.NextAttemptAt.Equal(t0.Add(time.Second)))
	assert.Equal(t, "gateway unavailable", n.LastError)

	d.deliver(ctx, outbox.get("n1"))
	n = outbox.get("n1")
	assert.Equal(t, 2, n.Attempts)
	assert.True(t, n.NextAttemptAt.Equal(t0.Add(2*time.Second)))

	d.deliver(ctx, outbox.get("n1"))
	n = outbox.get("n1")
	assert.Equal(t, 3, n.Attempts)
	assert.Nil(t, n.NextAttemptAt, "dead-lettered after max attempts")
	assert.False(t, n.Delivered())
}

func TestRunDeliversKickedNotifications(t *testing.T) {
	now := time.Now().UTC()
	outbox := newMemOutbox(now, "n1", "n2", "n3")
	pusher := &scriptedPusher{fails: 1}
	d := NewDispatcher(outbox, NewMemoryQueue(8), pusher, nil, nil, Config{
		Workers:      2,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	d.Kick()

	require.Eventually(t, func() bool {
		for _, id := range []string{"n1", "n2", "n3"} {
			if !outbox.get(id).Delivered() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	assert.Equal(t, 4, pusher.calls, "one failed attempt plus three deliveries")
}

func TestKickNeverBlocks(t *testing.T) {
	d := NewDispatcher(newMemOutbox(time.Now()), NewMemoryQueue(1), &scriptedPusher{}, nil, nil, Config{})
	for i := 0; i < 100; i++ {
		d.Kick()
	}
}
