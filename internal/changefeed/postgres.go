package changefeed

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"pkt.systems/pslog"
)

const pgChannel = "matchlock_events"

// PostgresFeed publishes with pg_notify and receives through one LISTEN
// connection, fanning events out to local subscribers.
type PostgresFeed struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *Hub
	logger   pslog.Logger
	done     chan struct{}
}

func NewPostgresFeed(db *sql.DB, dsn string, logger pslog.Logger) (*PostgresFeed, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("svc", "changefeed.postgres")
	listener := pq.NewListener(dsn, 500*time.Millisecond, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("changefeed.postgres.listener_event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(pgChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}
	f := &PostgresFeed{
		db:       db,
		listener: listener,
		hub:      NewHub(),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go f.loop()
	return f, nil
}

func (f *PostgresFeed) loop() {
	defer close(f.done)
	for n := range f.listener.Notify {
		// nil after a reconnect: notifications may have been missed.
		if n == nil {
			f.logger.Info("changefeed.postgres.reconnected")
			continue
		}
		ev, err := decodeEvent([]byte(n.Extra))
		if err != nil {
			f.logger.Warn("changefeed.postgres.decode_failed", "error", err)
			continue
		}
		f.hub.deliver(ev)
	}
}

func (f *PostgresFeed) Publish(ctx context.Context, ev Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = f.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChannel, string(payload))
	return err
}

func (f *PostgresFeed) Subscribe(ctx context.Context, partyID string) (<-chan Event, func()) {
	return f.hub.Subscribe(ctx, partyID)
}

func (f *PostgresFeed) Close() error {
	err := f.listener.Close()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
	}
	_ = f.hub.Close()
	return err
}
