package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sdb, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	wdb := New(sdb, Postgres)
	wdb.configurePool(cfg)
	if err := wdb.ping(ctx); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return wdb, nil
}

// Postgres SQLSTATEs that mean "try again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func isPostgresBusy(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}
