package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchlock/internal/geo"
	"matchlock/internal/model"
	"matchlock/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path:         filepath.Join(t.TempDir(), "matchlock_test.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func pendingRow(id, requester, provider string, created time.Time) model.Request {
	return model.Request{
		ID:          id,
		RequesterID: requester,
		ProviderID:  provider,
		Status:      model.StatusPending,
		CreatedAt:   created,
		Message:     "hello",
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		db, err := storage.Open(context.Background(), storage.Config{Path: path})
		require.NoError(t, err, "open #%d", i+1)
		require.NoError(t, db.Migrate(context.Background()))
		require.NoError(t, db.Close())
	}
}

func TestInsertPendingEnforcesOnePendingPerRequester(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := pendingRow("r1", "alice", "clinic-a", t0)
	first.Position = &geo.Position{Lat: 35.5559, Lng: 6.1743, AccuracyM: 12}
	var inserted []bool
	err := db.WithTx(ctx, func(tx model.Tx) error {
		for _, r := range []model.Request{first, pendingRow("r2", "alice", "clinic-b", t0)} {
			ok, err := tx.InsertPending(ctx, r)
			if err != nil {
				return err
			}
			inserted = append(inserted, ok)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, inserted)

	got, ok, err := db.PendingFor(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "clinic-a", got.ProviderID)
	assert.True(t, got.CreatedAt.Equal(t0))
	require.NotNil(t, got.Position)
	assert.InDelta(t, 35.5559, got.Position.Lat, 1e-9)
	assert.Nil(t, got.DecidedAt)

	// A decided row no longer occupies the slot.
	err = db.WithTx(ctx, func(tx model.Tx) error {
		_, ok, err := tx.Decide(ctx, model.DecideParams{
			RequestID: "r1", ProviderID: "clinic-a", To: model.StatusRejected,
			CreatedNotBefore: t0.Add(-time.Hour), At: t0.Add(time.Minute),
		})
		if err != nil {
			return err
		}
		assert.True(t, ok)
		ok, err = tx.InsertPending(ctx, pendingRow("r3", "alice", "clinic-b", t0.Add(time.Minute)))
		assert.True(t, ok)
		return err
	})
	require.NoError(t, err)
}

func TestDecideIsConditional(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
		_, err := tx.InsertPending(ctx, pendingRow("r1", "alice", "clinic-a", t0))
		return err
	}))

	decide := func(provider string, notBefore time.Time) bool {
		var ok bool
		require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
			var err error
			_, ok, err = tx.Decide(ctx, model.DecideParams{
				RequestID: "r1", ProviderID: provider, To: model.StatusAccepted,
				CreatedNotBefore: notBefore, At: t0.Add(time.Minute),
			})
			return err
		}))
		return ok
	}

	assert.False(t, decide("clinic-b", t0), "wrong provider")
	assert.False(t, decide("clinic-a", t0.Add(time.Second)), "past ttl")
	assert.True(t, decide("clinic-a", t0))
	assert.False(t, decide("clinic-a", t0), "second decision")

	got, ok, err := db.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusAccepted, got.Status)
	require.NotNil(t, got.DecidedAt)
	assert.True(t, got.DecidedAt.Equal(t0.Add(time.Minute)))
}

func TestExpirePendingFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
		for _, r := range []model.Request{
			pendingRow("old-a", "alice", "p1", t0),
			pendingRow("old-b", "bob", "p1", t0),
			pendingRow("new-c", "carol", "p1", t0.Add(time.Hour)),
		} {
			if _, err := tx.InsertPending(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	cutoff := t0.Add(time.Minute)
	var expired []model.Request
	require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
		var err error
		expired, err = tx.ExpirePending(ctx, model.ExpireFilter{RequesterID: "alice", CreatedBefore: cutoff, At: cutoff})
		return err
	}))
	require.Len(t, expired, 1)
	assert.Equal(t, "old-a", expired[0].ID)
	assert.Equal(t, model.StatusExpired, expired[0].Status)

	require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
		var err error
		expired, err = tx.ExpirePending(ctx, model.ExpireFilter{CreatedBefore: cutoff, At: cutoff})
		return err
	}))
	require.Len(t, expired, 1)
	assert.Equal(t, "old-b", expired[0].ID)

	n, err := db.CountPending(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNotificationOutboxLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
		if _, err := tx.InsertPending(ctx, pendingRow("r1", "alice", "clinic-a", t0)); err != nil {
			return err
		}
		for _, id := range []string{"n1", "n2"} {
			next := t0
			if err := tx.InsertNotification(ctx, model.Notification{
				ID: id, RecipientID: "clinic-a", RequestID: "r1",
				Kind: model.KindNewRequest, CreatedAt: t0, NextAttemptAt: &next,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	claimed, err := db.ClaimDue(ctx, t0, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Leased rows are not handed out again until the lease runs out.
	again, err := db.ClaimDue(ctx, t0.Add(time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, db.MarkDelivered(ctx, "n1", t0.Add(time.Second)))
	retryAt := t0.Add(10 * time.Second)
	require.NoError(t, db.MarkFailed(ctx, "n2", 1, &retryAt, "gateway 502"))

	due, err := db.ClaimDue(ctx, t0.Add(11*time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n2", due[0].ID)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "gateway 502", due[0].LastError)

	require.NoError(t, db.MarkFailed(ctx, "n2", 2, nil, "gateway 502"))

	settled := t0.Add(time.Minute)
	feed, err := db.ListNotifications(ctx, "clinic-a", model.FeedCursor{}, settled, 10)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.True(t, feed[0].Delivered())
	assert.False(t, feed[1].Delivered())
	assert.Nil(t, feed[1].NextAttemptAt, "dead-lettered")

	page, err := db.ListNotifications(ctx, "clinic-a", model.FeedCursor{CreatedAt: t0, ID: "n1"}, settled, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "n2", page[0].ID)
}

// Ids are not monotonic across writers, so a row with a larger id can be
// older than one already read. The feed orders by creation time and holds
// back rows inside the settle window so late commits are not skipped.
func TestListNotificationsKeysetAndSettle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	insert := func(id string, at time.Time) {
		t.Helper()
		require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
			if _, err := tx.InsertPending(ctx, pendingRow("r-"+id, "req-"+id, "clinic-a", at)); err != nil {
				return err
			}
			return tx.InsertNotification(ctx, model.Notification{
				ID: id, RecipientID: "alice", RequestID: "r-" + id,
				Kind: model.KindAccepted, CreatedAt: at,
			})
		}))
	}

	insert("m", t0)
	insert("a", t0.Add(5*time.Second))

	// The newer row is still inside the window.
	page, err := db.ListNotifications(ctx, "alice", model.FeedCursor{}, t0.Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m", page[0].ID)
	cur := model.FeedCursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}

	// A transaction that started before "a" commits now with a larger id and
	// an earlier timestamp than anything read so far.
	insert("z", t0.Add(time.Second))

	page, err = db.ListNotifications(ctx, "alice", cur, t0.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "z", page[0].ID)
	assert.Equal(t, "a", page[1].ID)

	// Same timestamp, tie broken by id.
	insert("b", t0.Add(5*time.Second))
	cur = model.FeedCursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	page, err = db.ListNotifications(ctx, "alice", cur, t0.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)
}

func TestHistoryAndInboxOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.WithTx(ctx, func(tx model.Tx) error {
		for i, r := range []model.Request{
			pendingRow("r1", "alice", "p1", t0),
			pendingRow("r2", "bob", "p1", t0.Add(time.Minute)),
		} {
			if _, err := tx.InsertPending(ctx, r); err != nil {
				return err
			}
			if i == 0 {
				if _, _, err := tx.Decide(ctx, model.DecideParams{
					RequestID: "r1", ProviderID: "p1", To: model.StatusAccepted,
					CreatedNotBefore: t0, At: t0.Add(time.Second),
				}); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	inbox, err := db.ListByProvider(ctx, "p1", "", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "r2", inbox[0].ID)

	pending, err := db.ListByProvider(ctx, "p1", model.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r2", pending[0].ID)

	hist, err := db.ListByRequester(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.StatusAccepted, hist[0].Status)
}
