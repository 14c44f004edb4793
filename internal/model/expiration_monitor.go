package model

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"matchlock/internal/obs"
)

// ExpirationMonitor drives ExpireSweep on an interval and keeps the pending
// gauge current. Lazy expiry in Submit, Respond and LockView makes the sweep
// a latency bound on notifications, not a correctness requirement.
type ExpirationMonitor struct {
	svc      *Service
	logger   pslog.Logger
	metrics  *obs.Metrics
	interval time.Duration
}

func NewExpirationMonitor(svc *Service, logger pslog.Logger, metrics *obs.Metrics, interval time.Duration) *ExpirationMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirationMonitor{
		svc:      svc,
		logger:   obs.EnsureLogger(logger).With("svc", "expiration_monitor"),
		metrics:  metrics,
		interval: interval,
	}
}

func (m *ExpirationMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	// Run once immediately
	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *ExpirationMonitor) sweepOnce(ctx context.Context) {
	start := time.Now()
	expired, err := m.svc.ExpireSweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("expire.sweep.failed", "error", err)
		}
		return
	}
	pending, err := m.svc.CountPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("expire.count.failed", "error", err)
		}
		return
	}
	m.metrics.SetPending(pending)
	if expired > 0 {
		m.logger.Debug("expire.sweep.done",
			"expired", expired,
			"pending", pending,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}
