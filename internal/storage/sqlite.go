package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

func openSQLite(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Busy timeout lets writers queue behind BEGIN IMMEDIATE instead of failing.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON&_txlock=immediate",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	sdb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	wdb := New(sdb, SQLite)
	wdb.configurePool(cfg)

	if err := wdb.ping(ctx); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	if err := wdb.applyPragmas(ctx); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return wdb, nil
}

func (d *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := d.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma failed (%s): %w", p, err)
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
