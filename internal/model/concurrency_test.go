package model_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matchlock/internal/changefeed"
	"matchlock/internal/clock"
	"matchlock/internal/model"
	"matchlock/internal/storage"
)

func openEngine(t *testing.T, name string, opts ...model.Option) (*model.Service, *storage.DB) {
	t.Helper()
	return openEngineAt(t, filepath.Join(t.TempDir(), name), opts...)
}

// openEngineAt opens a service over the database file at path. Two calls
// with the same path behave like two instances sharing one store.
func openEngineAt(t *testing.T, path string, opts ...model.Option) (*model.Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path:         path,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return model.NewService(db, nil, nil, opts...), db
}

// farFuture reads the whole feed regardless of the settle window.
var farFuture = time.Now().Add(24 * 365 * time.Hour)

// Many tabs and double-clicks race to submit for one requester across many
// providers. Exactly one request may exist afterwards.
func TestConcurrentSubmitsCreateExactlyOnePending(t *testing.T) {
	svc, db := openEngine(t, "exclusivity.db")
	ctx := context.Background()

	const (
		requester = "requester-1"
		clients   = 40
		providers = 8
	)

	var (
		created       int64
		alreadyLocked int64
		duplicate     int64
		opErrors      int64
		winnerMu      sync.Mutex
		winners       []model.Request
	)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := svc.Submit(ctx, model.SubmitRequest{
				RequesterID: requester,
				ProviderID:  fmt.Sprintf("provider-%d", i%providers),
				Message:     "please",
			})
			if err != nil {
				atomic.AddInt64(&opErrors, 1)
				return
			}
			if res.OK() {
				atomic.AddInt64(&created, 1)
				winnerMu.Lock()
				winners = append(winners, res.Request)
				winnerMu.Unlock()
				return
			}
			switch res.Rejection.Reason {
			case model.ReasonAlreadyLocked:
				atomic.AddInt64(&alreadyLocked, 1)
			case model.ReasonDuplicate:
				atomic.AddInt64(&duplicate, 1)
			default:
				t.Errorf("unexpected rejection %q", res.Rejection.Reason)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if opErrors != 0 {
		t.Fatalf("expected no store errors under contention; got %d", opErrors)
	}
	if created != 1 {
		t.Fatalf("exclusivity violated: created=%d", created)
	}
	if alreadyLocked+duplicate != clients-1 {
		t.Fatalf("expected %d rejections; got locked=%d duplicate=%d", clients-1, alreadyLocked, duplicate)
	}

	hist, err := svc.History(ctx, requester, 100)
	if err != nil {
		t.Fatalf("history err: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != winners[0].ID {
		t.Fatalf("expected one stored request %s; got %d rows", winners[0].ID, len(hist))
	}

	inbox, err := db.ListNotifications(ctx, winners[0].ProviderID, model.FeedCursor{}, farFuture, 100)
	if err != nil {
		t.Fatalf("notifications err: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != model.KindNewRequest {
		t.Fatalf("expected exactly one new-request notification; got %d", len(inbox))
	}

	t.Log("\n================ Submit Exclusivity Report ================")
	t.Logf("Clients:            %d", clients)
	t.Logf("Providers:          %d", providers)
	t.Logf("Created:            %d (provider=%s)", created, winners[0].ProviderID)
	t.Logf("Already Locked:     %d", alreadyLocked)
	t.Logf("Duplicate:          %d", duplicate)
	t.Log("===========================================================")
}

// A provider double-tapping accept and reject concurrently gets one winner.
func TestConcurrentResponsesHaveSingleWinner(t *testing.T) {
	svc, db := openEngine(t, "single_winner.db")
	ctx := context.Background()

	res, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "req-a", ProviderID: "clinic-x"})
	if err != nil || !res.OK() {
		t.Fatalf("submit: res=%+v err=%v", res.Rejection, err)
	}
	id := res.Request.ID

	const responders = 20
	var (
		wins     int64
		decided  int64
		opErrors int64
		final    atomic.Value
	)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < responders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			decision := model.DecisionAccept
			if i%2 == 1 {
				decision = model.DecisionReject
			}
			r, err := svc.Respond(ctx, model.RespondRequest{RequestID: id, ProviderID: "clinic-x", Decision: decision})
			if err != nil {
				atomic.AddInt64(&opErrors, 1)
				return
			}
			if r.OK() {
				atomic.AddInt64(&wins, 1)
				final.Store(r.Request.Status)
				return
			}
			if r.Rejection.Reason == model.ReasonAlreadyDecided {
				atomic.AddInt64(&decided, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if opErrors != 0 {
		t.Fatalf("unexpected store errors: %d", opErrors)
	}
	if wins != 1 {
		t.Fatalf("single-winner violated: wins=%d", wins)
	}
	if decided != responders-1 {
		t.Fatalf("expected %d already-decided; got %d", responders-1, decided)
	}

	got, ok, err := svc.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != final.Load().(model.Status) {
		t.Fatalf("stored status %s differs from winning response %s", got.Status, final.Load())
	}
	if got.DecidedAt == nil {
		t.Fatalf("decided_at must be set")
	}

	notes, err := db.ListNotifications(ctx, "req-a", model.FeedCursor{}, farFuture, 100)
	if err != nil {
		t.Fatalf("notifications err: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one decision notification for requester; got %d", len(notes))
	}
}

func TestTTLBoundary(t *testing.T) {
	t0 := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	clk := clock.NewManual(t0)
	svc, _ := openEngine(t, "ttl.db", model.WithClock(clk), model.WithTTL(2*time.Hour))
	ctx := context.Background()

	res, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "r", ProviderID: "p"})
	if err != nil || !res.OK() {
		t.Fatalf("submit: %v", err)
	}

	clk.Set(t0.Add(2*time.Hour - time.Second))
	view, err := svc.LockView(ctx, "r")
	if err != nil {
		t.Fatalf("lock view: %v", err)
	}
	if !view.Locked || view.Remaining != time.Second {
		t.Fatalf("expected locked with 1s remaining at t0+2h-1s; got %+v", view)
	}
	if n, err := svc.ExpireSweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before ttl: n=%d err=%v", n, err)
	}

	clk.Set(t0.Add(2 * time.Hour))
	if view, _ := svc.LockView(ctx, "r"); !view.Locked {
		t.Fatalf("expected still locked exactly at t0+2h")
	}

	clk.Set(t0.Add(2*time.Hour + time.Second))
	view, err = svc.LockView(ctx, "r")
	if err != nil {
		t.Fatalf("lock view: %v", err)
	}
	if view.Locked {
		t.Fatalf("expected unlocked at t0+2h+1s; got %+v", view)
	}
	got, _, _ := svc.Get(ctx, res.Request.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("expected lazy expiry to persist; status=%s", got.Status)
	}

	// The expired row stays expired; a late accept is refused.
	r, err := svc.Respond(ctx, model.RespondRequest{RequestID: res.Request.ID, ProviderID: "p", Decision: model.DecisionAccept})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if r.OK() || r.Rejection.Reason != model.ReasonAlreadyDecided || r.Rejection.Status != model.StatusExpired {
		t.Fatalf("expected already-decided(expired); got %+v", r.Rejection)
	}
}

func TestRetryAfterDroppedResponseIsDuplicate(t *testing.T) {
	svc, _ := openEngine(t, "retry.db")
	ctx := context.Background()

	first, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "r", ProviderID: "p", Message: "m"})
	if err != nil || !first.OK() {
		t.Fatalf("first submit: %v", err)
	}
	// The client never saw the response and retries.
	again, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "r", ProviderID: "p", Message: "m"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.OK() || again.Rejection.Reason != model.ReasonDuplicate {
		t.Fatalf("expected duplicate; got %+v", again.Rejection)
	}
	if again.Rejection.RequestID != first.Request.ID {
		t.Fatalf("duplicate must point at the original request %s; got %s", first.Request.ID, again.Rejection.RequestID)
	}

	hist, _ := svc.History(ctx, "r", 10)
	if len(hist) != 1 {
		t.Fatalf("retry created a second request: %d rows", len(hist))
	}
}

// A subscriber for the requester sees a hint on accept, re-queries, and
// finds the lock released.
func TestDecisionPropagatesUnlock(t *testing.T) {
	hub := changefeed.NewHub()
	t.Cleanup(func() { _ = hub.Close() })
	svc, _ := openEngine(t, "unlock.db", model.WithChangeFeed(hub))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "r", ProviderID: "p"})
	if err != nil || !res.OK() {
		t.Fatalf("submit: %v", err)
	}
	events, stop := hub.Subscribe(ctx, "r")
	defer stop()

	if _, err := svc.Respond(ctx, model.RespondRequest{RequestID: res.Request.ID, ProviderID: "p", Decision: model.DecisionAccept}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	select {
	case ev := <-events:
		if ev.RequestID != res.Request.ID || ev.Status != string(model.StatusAccepted) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no change event received")
	}
	view, err := svc.LockView(ctx, "r")
	if err != nil {
		t.Fatalf("lock view: %v", err)
	}
	if view.Locked {
		t.Fatalf("expected unlocked after accept; got %+v", view)
	}

	next, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "r", ProviderID: "other"})
	if err != nil || !next.OK() {
		t.Fatalf("expected a fresh submit to succeed after unlock: %+v %v", next.Rejection, err)
	}
}

// Another instance whose clock has run past the TTL sweeps while the provider
// is still answering. The request leaves pending exactly once, either decided
// or expired, and the requester hears about it once.
func TestConcurrentResponsesAndSweepHaveSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "respond_vs_sweep.db")
	svc, db := openEngineAt(t, path)
	late := clock.NewManual(time.Now().Add(model.DefaultRequestTTL + time.Minute))
	sweeper, _ := openEngineAt(t, path, model.WithClock(late))
	ctx := context.Background()

	res, err := svc.Submit(ctx, model.SubmitRequest{RequesterID: "req-b", ProviderID: "clinic-y"})
	if err != nil || !res.OK() {
		t.Fatalf("submit: res=%+v err=%v", res.Rejection, err)
	}
	id := res.Request.ID

	const (
		responders = 10
		sweeps     = 4
	)
	var (
		wins     int64
		swept    int64
		decided  int64
		opErrors int64
	)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < responders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			decision := model.DecisionAccept
			if i%2 == 1 {
				decision = model.DecisionReject
			}
			r, err := svc.Respond(ctx, model.RespondRequest{RequestID: id, ProviderID: "clinic-y", Decision: decision})
			if err != nil {
				atomic.AddInt64(&opErrors, 1)
				return
			}
			if r.OK() {
				atomic.AddInt64(&wins, 1)
				return
			}
			if r.Rejection.Reason == model.ReasonAlreadyDecided {
				atomic.AddInt64(&decided, 1)
			}
		}(i)
	}
	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			n, err := sweeper.ExpireSweep(ctx)
			if err != nil {
				atomic.AddInt64(&opErrors, 1)
				return
			}
			atomic.AddInt64(&swept, int64(n))
		}()
	}
	close(start)
	wg.Wait()

	if opErrors != 0 {
		t.Fatalf("unexpected store errors: %d", opErrors)
	}
	if wins+swept != 1 {
		t.Fatalf("request left pending more than once: wins=%d swept=%d", wins, swept)
	}
	if wins+decided != responders {
		t.Fatalf("every response must win or see the decision; wins=%d decided=%d", wins, decided)
	}

	got, ok, err := svc.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status == model.StatusPending {
		t.Fatalf("request still pending")
	}
	if swept == 1 && got.Status != model.StatusExpired {
		t.Fatalf("sweep won but stored status is %s", got.Status)
	}

	notes, err := db.ListNotifications(ctx, "req-b", model.FeedCursor{}, farFuture, 100)
	if err != nil {
		t.Fatalf("notifications err: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one notification for requester; got %d", len(notes))
	}
}
