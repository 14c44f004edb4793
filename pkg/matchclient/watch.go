package matchclient

import (
	"context"
	"time"
)

// WatchLock polls the requester's lock view and emits the first view and then
// every view whose lock state differs from the last one emitted. Both
// channels close when ctx is cancelled.
//
// Poll errors are surfaced on the error channel without stopping the watch;
// a full error channel drops the error.
func (c *Client) WatchLock(ctx context.Context, requesterID string, opt WatchOptions) (<-chan LockView, <-chan error) {
	views := make(chan LockView, 1)
	errCh := make(chan error, 1)

	if opt.Interval <= 0 {
		opt.Interval = time.Second
	}

	go func() {
		defer close(views)
		defer close(errCh)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		var (
			last LockView
			seen bool
		)
		poll := func() bool {
			v, err := c.LockView(ctx, requesterID)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				select {
				case errCh <- err:
				default:
				}
				return true
			}
			if seen && sameLock(last, v) {
				return true
			}
			select {
			case views <- v:
				last, seen = v, true
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !poll() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !poll() {
					return
				}
			}
		}
	}()

	return views, errCh
}

// sameLock ignores the countdown so a pending lock only emits once.
func sameLock(a, b LockView) bool {
	return a.Locked == b.Locked && a.RequestID == b.RequestID && a.ActiveProviderID == b.ActiveProviderID
}
