package storage

import (
	"context"
	"database/sql"
	"time"

	"matchlock/internal/model"
)

const notificationColumns = `id, recipient_id, request_id, kind, created_at, delivered_at, attempts, next_attempt_at, last_error`

func scanNotification(row scanner) (model.Notification, error) {
	var (
		n                   model.Notification
		kind                string
		createdNs           int64
		deliveredNs, nextNs sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.RecipientID, &n.RequestID, &kind, &createdNs, &deliveredNs, &n.Attempts, &nextNs, &n.LastError); err != nil {
		return model.Notification{}, err
	}
	n.Kind = model.NotificationKind(kind)
	n.CreatedAt = fromNs(createdNs)
	n.DeliveredAt = ptrNs(deliveredNs)
	n.NextAttemptAt = ptrNs(nextNs)
	return n, nil
}

func collectNotifications(rows *sql.Rows) ([]model.Notification, error) {
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *txStore) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.q(`
INSERT INTO notifications (`+notificationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.RecipientID, n.RequestID, string(n.Kind), toNs(n.CreatedAt),
		nullNs(n.DeliveredAt), n.Attempts, nullNs(n.NextAttemptAt), n.LastError)
	return err
}

// ListNotifications pages on (created_at, id). Rows created after
// settledBefore are left for a later call: their transaction may still be
// racing one that started earlier.
func (d *DB) ListNotifications(ctx context.Context, recipientID string, after model.FeedCursor, settledBefore time.Time, limit int) ([]model.Notification, error) {
	afterNs := int64(-1)
	if !after.IsZero() {
		afterNs = toNs(after.CreatedAt)
	}
	rows, err := d.QueryContext(ctx, d.dialect.q(`
SELECT `+notificationColumns+`
FROM notifications
WHERE recipient_id = ?
  AND created_at <= ?
  AND (created_at > ? OR (created_at = ? AND id > ?))
ORDER BY created_at, id
LIMIT ?`), recipientID, toNs(settledBefore), afterNs, afterNs, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// ClaimDue leases up to limit undelivered notifications whose next attempt
// is due at now. Claimed rows have next_attempt_at pushed to now+lease so a
// concurrent relay skips them; a crashed worker's rows come due again.
func (d *DB) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.Notification, error) {
	var claimed []model.Notification
	err := d.withRawTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		rows, err := tx.QueryContext(ctx, d.dialect.q(`
SELECT `+notificationColumns+`
FROM notifications
WHERE next_attempt_at IS NOT NULL
  AND next_attempt_at <= ?
  AND delivered_at IS NULL
ORDER BY next_attempt_at, id
LIMIT ?`), toNs(now), limit)
		if err != nil {
			return err
		}
		due, err := collectNotifications(rows)
		if err != nil {
			return err
		}

		leaseUntil := now.Add(lease)
		for _, n := range due {
			res, err := tx.ExecContext(ctx, d.dialect.q(`
UPDATE notifications
SET next_attempt_at = ?
WHERE id = ? AND next_attempt_at = ? AND delivered_at IS NULL`),
				toNs(leaseUntil), n.ID, nullNs(n.NextAttemptAt))
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err != nil {
				return err
			} else if affected != 1 {
				continue
			}
			next := leaseUntil
			n.NextAttemptAt = &next
			claimed = append(claimed, n)
		}
		return nil
	})
	return claimed, err
}

// MarkDelivered records a successful push. Delivered rows are never retried.
func (d *DB) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := d.ExecContext(ctx, d.dialect.q(`
UPDATE notifications
SET delivered_at = ?, next_attempt_at = NULL, attempts = attempts + 1, last_error = ''
WHERE id = ? AND delivered_at IS NULL`), toNs(at), id)
	return d.classify(err)
}

// MarkFailed records a failed push. A nil next dead-letters the row.
func (d *DB) MarkFailed(ctx context.Context, id string, attempts int, next *time.Time, lastErr string) error {
	_, err := d.ExecContext(ctx, d.dialect.q(`
UPDATE notifications
SET attempts = ?, next_attempt_at = ?, last_error = ?
WHERE id = ? AND delivered_at IS NULL`), attempts, nullNs(next), lastErr, id)
	return d.classify(err)
}

func (d *DB) withRawTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return d.classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return d.classify(err)
	}
	return d.classify(tx.Commit())
}
