package changefeed

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

const redisChannelPrefix = "matchlock:party:"

// RedisFeed publishes each event on a per-party Redis pub/sub channel so
// subscribers on any instance see it.
type RedisFeed struct {
	client redis.UniversalClient
	logger pslog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewRedisFeed(client redis.UniversalClient, logger pslog.Logger) *RedisFeed {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &RedisFeed{
		client: client,
		logger: logger.With("svc", "changefeed.redis"),
		closed: make(chan struct{}),
	}
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, redisChannelPrefix+ev.PartyID, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, partyID string) (<-chan Event, func()) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(ctx, redisChannelPrefix+partyID)
	out := make(chan Event, defaultSubscriberBuffer)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		defer cancel()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.closed:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					f.logger.Warn("changefeed.redis.decode_failed", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, cancel
}

// Close ends every open subscription. The Redis client belongs to the caller.
func (f *RedisFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
