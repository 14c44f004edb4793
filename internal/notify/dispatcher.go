// Package notify relays outbox notifications to the push transport. Delivery
// is at-least-once and never feeds back into request state.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"matchlock/internal/clock"
	"matchlock/internal/model"
	"matchlock/internal/obs"
)

// Outbox is the dispatcher's view of the notifications table.
type Outbox interface {
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.Notification, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, next *time.Time, lastErr string) error
}

type Config struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	ClaimLease   time.Duration
	BatchSize    int
	PushTimeout  time.Duration
	Rate         float64 // pushes per second, 0 = unlimited
	Burst        int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type Dispatcher struct {
	outbox  Outbox
	queue   Queue
	pusher  Pusher
	logger  pslog.Logger
	metrics *obs.Metrics
	clock   clock.Clock
	cfg     Config
	backoff Backoff
	limiter *rate.Limiter
	kick    chan struct{}
}

func NewDispatcher(outbox Outbox, queue Queue, pusher Pusher, logger pslog.Logger, metrics *obs.Metrics, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Dispatcher{
		outbox:  outbox,
		queue:   queue,
		pusher:  pusher,
		logger:  obs.EnsureLogger(logger).With("svc", "notify"),
		metrics: metrics,
		clock:   clock.Real{},
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		kick:    make(chan struct{}, 1),
	}
}

// WithClock replaces the clock used for due-time arithmetic.
func (d *Dispatcher) WithClock(c clock.Clock) *Dispatcher {
	if c != nil {
		d.clock = c
	}
	return d
}

// Kick wakes the relay without blocking.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run starts the workers and the relay loop and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	d.logger.Info("notify.dispatcher.started", "workers", d.cfg.Workers)

	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		if _, err := d.relayOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("notify.relay.failed", "error", err)
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info("notify.dispatcher.stopped")
			return
		case <-t.C:
		case <-d.kick:
		}
	}
}

// relayOnce moves every due outbox row onto the queue.
func (d *Dispatcher) relayOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := d.outbox.ClaimDue(ctx, d.clock.Now(), d.cfg.ClaimLease, d.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		for _, n := range batch {
			if err := d.queue.Enqueue(ctx, n); err != nil {
				// The claim lease runs out and the row is picked up again.
				return total, err
			}
			total++
		}
		if len(batch) < d.cfg.BatchSize {
			return total, nil
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	for {
		n, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("notify.dequeue.failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		d.deliver(ctx, n)
	}
}

// deliver makes one push attempt and records its outcome.
func (d *Dispatcher) deliver(ctx context.Context, n model.Notification) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
	err := d.pusher.Push(pushCtx, n)
	cancel()

	now := d.clock.Now()
	if err == nil {
		if merr := d.outbox.MarkDelivered(ctx, n.ID, now); merr != nil {
			d.logger.Warn("notify.mark_delivered.failed", "notification_id", n.ID, "error", merr)
			return
		}
		d.metrics.IncDelivery("delivered")
		d.logger.Debug("notify.push.delivered", "notification_id", n.ID, "recipient_id", n.RecipientID, "kind", n.Kind)
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutdown mid-push; the lease will bring the row back.
		return
	}

	attempts := n.Attempts + 1
	var next *time.Time
	result := "dead"
	if attempts < d.cfg.MaxAttempts {
		at := now.Add(d.backoff.Delay(attempts))
		next = &at
		result = "retry"
	}
	if merr := d.outbox.MarkFailed(ctx, n.ID, attempts, next, err.Error()); merr != nil {
		d.logger.Warn("notify.mark_failed.failed", "notification_id", n.ID, "error", merr)
		return
	}
	d.metrics.IncDelivery(result)
	if next == nil {
		d.logger.Error("notify.push.dead_lettered",
			"notification_id", n.ID,
			"recipient_id", n.RecipientID,
			"attempts", attempts,
			"error", err,
		)
		return
	}
	d.logger.Warn("notify.push.failed",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"attempts", attempts,
		"retry_at", *next,
		"error", err,
	)
}
