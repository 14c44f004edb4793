package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations[v-1] brings the schema to version v. The statements are valid
// on both SQLite and PostgreSQL.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS requests (
  id TEXT PRIMARY KEY,
  requester_id TEXT NOT NULL,
  provider_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  decided_at BIGINT,
  requester_lat DOUBLE PRECISION,
  requester_lng DOUBLE PRECISION,
  requester_accuracy_m DOUBLE PRECISION,
  message TEXT NOT NULL DEFAULT ''
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS requests_one_pending ON requests(requester_id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS requests_provider_status ON requests(provider_id, status)`,
		`CREATE INDEX IF NOT EXISTS requests_status_created ON requests(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS requests_requester_created ON requests(requester_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  recipient_id TEXT NOT NULL,
  request_id TEXT NOT NULL REFERENCES requests(id),
  kind TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  delivered_at BIGINT,
  attempts INTEGER NOT NULL DEFAULT 0,
  next_attempt_at BIGINT,
  last_error TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS notifications_recipient ON notifications(recipient_id, id)`,
		`CREATE INDEX IF NOT EXISTS notifications_due ON notifications(next_attempt_at)`,
	},
	{
		`CREATE INDEX IF NOT EXISTS notifications_feed ON notifications(recipient_id, created_at, id)`,
	},
}

// LatestVersion is the schema version Migrate brings a database to.
func LatestVersion() int { return len(migrations) }

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns BIGINT NOT NULL
)`); err != nil {
		return err
	}

	cur, err := d.currentVersion(ctx)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= LatestVersion(); v++ {
		if err := d.apply(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := d.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (d *DB) apply(ctx context.Context, version int) error {
	if version < 1 || version > len(migrations) {
		return fmt.Errorf("unknown migration version: %d", version)
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range migrations[version-1] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d step %d failed: %w", version, i+1, err)
		}
	}
	// Another process may have applied the same version concurrently.
	if _, err := tx.ExecContext(ctx, d.dialect.q(
		`INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, ?) ON CONFLICT (version) DO NOTHING`),
		version, toNs(d.now())); err != nil {
		return err
	}
	return tx.Commit()
}
