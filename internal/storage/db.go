// Package storage implements model.Store on SQLite or PostgreSQL with one
// shared schema and one set of statements.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"matchlock/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialect selects placeholder style and error classification.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return DriverPostgres
	}
	return DriverSQLite
}

type Config struct {
	Driver          string // sqlite (default) or postgres
	Path            string // sqlite file
	DSN             string // postgres connection string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type DB struct {
	*sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ model.Store = (*DB)(nil)

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	var (
		wdb *DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite, "sqlite3":
		wdb, err = openSQLite(ctx, cfg)
	case DriverPostgres, "postgresql", "pg":
		wdb, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := wdb.Migrate(ctx); err != nil {
		_ = wdb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return wdb, nil
}

// New wraps an already-open handle without migrating it.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect, now: time.Now}
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) configurePool(cfg Config) {
	d.SetMaxOpenConns(cfg.MaxOpenConns)
	d.SetMaxIdleConns(cfg.MaxIdleConns)
	d.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

func (d *DB) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.PingContext(ctx)
}

// WithTx runs fn in one transaction. Backend contention errors are wrapped
// with model.ErrBusy.
func (d *DB) WithTx(ctx context.Context, fn func(model.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return d.classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{tx: tx, dialect: d.dialect}); err != nil {
		return d.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return d.classify(err)
	}
	return nil
}

func (d *DB) classify(err error) error {
	if err == nil {
		return nil
	}
	busy := false
	switch d.dialect {
	case SQLite:
		busy = isSQLiteBusy(err)
	case Postgres:
		busy = isPostgresBusy(err)
	}
	if busy {
		return fmt.Errorf("%w: %v", model.ErrBusy, err)
	}
	return err
}

// q adapts a query written with ? placeholders to the dialect.
func (d Dialect) q(query string) string {
	if d == Postgres {
		return rebind(query)
	}
	return query
}

// rebind rewrites ? placeholders to $1..$n, leaving quoted literals alone.
func rebind(query string) string {
	var (
		b      strings.Builder
		n      int
		quoted bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toNs(t time.Time) int64 { return t.UnixNano() }

func fromNs(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func nullNs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func ptrNs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNs(v.Int64)
	return &t
}
