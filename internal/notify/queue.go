package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"matchlock/internal/model"
)

// Queue hands claimed notifications from the relay to the workers.
type Queue interface {
	Enqueue(ctx context.Context, n model.Notification) error
	// Dequeue blocks until a notification is available or ctx is done.
	Dequeue(ctx context.Context) (model.Notification, error)
}

// MemoryQueue is a bounded channel queue for single-process deployments.
type MemoryQueue struct {
	ch chan model.Notification
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan model.Notification, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, n model.Notification) error {
	select {
	case q.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (model.Notification, error) {
	select {
	case n := <-q.ch:
		return n, nil
	case <-ctx.Done():
		return model.Notification{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int { return len(q.ch) }

// RedisQueue is a Redis list: LPUSH on enqueue, BRPOP on dequeue.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	poll   time.Duration
}

func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = "matchlock:notify"
	}
	return &RedisQueue{client: client, key: key, poll: time.Second}
}

type queuedNotification struct {
	ID            string     `json:"id"`
	RecipientID   string     `json:"recipient_id"`
	RequestID     string     `json:"request_id"`
	Kind          string     `json:"kind"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(queuedNotification{
		ID:            n.ID,
		RecipientID:   n.RecipientID,
		RequestID:     n.RequestID,
		Kind:          string(n.Kind),
		CreatedAt:     n.CreatedAt,
		Attempts:      n.Attempts,
		NextAttemptAt: n.NextAttemptAt,
	})
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (model.Notification, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Notification{}, err
		}
		// A bounded block so cancellation is noticed between polls.
		result, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.Notification{}, ctx.Err()
			}
			return model.Notification{}, err
		}
		// result is [key, value]
		if len(result) < 2 {
			continue
		}
		var qn queuedNotification
		if err := json.Unmarshal([]byte(result[1]), &qn); err != nil {
			return model.Notification{}, errors.Join(errBadPayload, err)
		}
		return model.Notification{
			ID:            qn.ID,
			RecipientID:   qn.RecipientID,
			RequestID:     qn.RequestID,
			Kind:          model.NotificationKind(qn.Kind),
			CreatedAt:     qn.CreatedAt,
			Attempts:      qn.Attempts,
			NextAttemptAt: qn.NextAttemptAt,
		}, nil
	}
}

var errBadPayload = errors.New("notify: undecodable queue payload")
