package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"matchlock/internal/geo"
	"matchlock/internal/model"
)

const requestColumns = `id, requester_id, provider_id, status, created_at, decided_at, requester_lat, requester_lng, requester_accuracy_m, message`

// txStore runs model.Tx statements on one open transaction.
type txStore struct {
	tx      *sql.Tx
	dialect Dialect
}

var _ model.Tx = (*txStore)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (model.Request, error) {
	var (
		r                  model.Request
		status             string
		createdNs          int64
		decidedNs          sql.NullInt64
		lat, lng, accuracy sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &r.RequesterID, &r.ProviderID, &status, &createdNs, &decidedNs, &lat, &lng, &accuracy, &r.Message); err != nil {
		return model.Request{}, err
	}
	r.Status = model.Status(status)
	r.CreatedAt = fromNs(createdNs)
	r.DecidedAt = ptrNs(decidedNs)
	if lat.Valid && lng.Valid {
		r.Position = &geo.Position{Lat: lat.Float64, Lng: lng.Float64, AccuracyM: accuracy.Float64}
	}
	return r, nil
}

func collectRequests(rows *sql.Rows) ([]model.Request, error) {
	defer rows.Close()
	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func getRequest(ctx context.Context, q queryer, d Dialect, id string) (model.Request, bool, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, d.q(`SELECT `+requestColumns+` FROM requests WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Request{}, false, nil
	}
	if err != nil {
		return model.Request{}, false, err
	}
	return r, true, nil
}

func pendingFor(ctx context.Context, q queryer, d Dialect, requesterID string) (model.Request, bool, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, d.q(`
SELECT `+requestColumns+`
FROM requests
WHERE requester_id = ? AND status = 'pending'`), requesterID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Request{}, false, nil
	}
	if err != nil {
		return model.Request{}, false, err
	}
	return r, true, nil
}

func (t *txStore) GetRequest(ctx context.Context, id string) (model.Request, bool, error) {
	return getRequest(ctx, t.tx, t.dialect, id)
}

func (t *txStore) PendingFor(ctx context.Context, requesterID string) (model.Request, bool, error) {
	return pendingFor(ctx, t.tx, t.dialect, requesterID)
}

// InsertPending relies on the requests_one_pending partial unique index:
// a second pending row for the same requester is silently skipped.
func (t *txStore) InsertPending(ctx context.Context, r model.Request) (bool, error) {
	var lat, lng, accuracy sql.NullFloat64
	if r.Position != nil {
		lat = sql.NullFloat64{Float64: r.Position.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: r.Position.Lng, Valid: true}
		accuracy = sql.NullFloat64{Float64: r.Position.AccuracyM, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, t.dialect.q(`
INSERT INTO requests (`+requestColumns+`)
VALUES (?, ?, ?, 'pending', ?, NULL, ?, ?, ?, ?)
ON CONFLICT (requester_id) WHERE status = 'pending' DO NOTHING`),
		r.ID, r.RequesterID, r.ProviderID, toNs(r.CreatedAt), lat, lng, accuracy, r.Message)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) Decide(ctx context.Context, p model.DecideParams) (model.Request, bool, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx, t.dialect.q(`
UPDATE requests
SET status = ?, decided_at = ?
WHERE id = ?
  AND provider_id = ?
  AND status = 'pending'
  AND decided_at IS NULL
  AND created_at >= ?
RETURNING `+requestColumns),
		string(p.To), toNs(p.At), p.RequestID, p.ProviderID, toNs(p.CreatedNotBefore)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Request{}, false, nil
	}
	if err != nil {
		return model.Request{}, false, err
	}
	return r, true, nil
}

func (t *txStore) ExpirePending(ctx context.Context, f model.ExpireFilter) ([]model.Request, error) {
	var (
		b    strings.Builder
		args = []any{toNs(f.At), toNs(f.CreatedBefore)}
	)
	b.WriteString(`
UPDATE requests
SET status = 'expired', decided_at = ?
WHERE status = 'pending'
  AND created_at < ?`)
	if f.RequesterID != "" {
		b.WriteString("\n  AND requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if f.RequestID != "" {
		b.WriteString("\n  AND id = ?")
		args = append(args, f.RequestID)
	}
	b.WriteString("\nRETURNING " + requestColumns)

	rows, err := t.tx.QueryContext(ctx, t.dialect.q(b.String()), args...)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (d *DB) GetRequest(ctx context.Context, id string) (model.Request, bool, error) {
	return getRequest(ctx, d.DB, d.dialect, id)
}

func (d *DB) PendingFor(ctx context.Context, requesterID string) (model.Request, bool, error) {
	return pendingFor(ctx, d.DB, d.dialect, requesterID)
}

func (d *DB) ListByRequester(ctx context.Context, requesterID string, limit int) ([]model.Request, error) {
	rows, err := d.QueryContext(ctx, d.dialect.q(`
SELECT `+requestColumns+`
FROM requests
WHERE requester_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`), requesterID, limit)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (d *DB) ListByProvider(ctx context.Context, providerID string, status model.Status, limit int) ([]model.Request, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = d.QueryContext(ctx, d.dialect.q(`
SELECT `+requestColumns+`
FROM requests
WHERE provider_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`), providerID, limit)
	} else {
		rows, err = d.QueryContext(ctx, d.dialect.q(`
SELECT `+requestColumns+`
FROM requests
WHERE provider_id = ? AND status = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`), providerID, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (d *DB) CountPending(ctx context.Context, notBefore time.Time) (int64, error) {
	var n int64
	err := d.QueryRowContext(ctx, d.dialect.q(`
SELECT COUNT(*)
FROM requests
WHERE status = 'pending'
  AND created_at >= ?`), toNs(notBefore)).Scan(&n)
	return n, err
}
