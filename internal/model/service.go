package model

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"matchlock/internal/changefeed"
	"matchlock/internal/clock"
	"matchlock/internal/obs"
)

const (
	MaxIDLength      = 128
	MaxMessageLength = 4000

	// insertAttempts bounds the insert/read loop in Submit. A second pass is
	// only needed when the conflicting pending row was decided between the
	// two statements.
	insertAttempts = 3
)

// Kicker is woken after a commit that wrote outbox rows.
type Kicker interface {
	Kick()
}

// Service is the request lock engine. It holds no lock state of its own;
// every decision is made by a conditional statement in the store.
type Service struct {
	store   Store
	logger  pslog.Logger
	metrics *obs.Metrics
	clock   clock.Clock
	ttl     time.Duration
	feed    changefeed.Feed
	kicker  Kicker
	settle  time.Duration
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithChangeFeed(f changefeed.Feed) Option {
	return func(s *Service) { s.feed = f }
}

// WithFeedSettle sets how far behind the clock the notification feed reads.
// Zero disables the hold-back; it is only safe with a single serialized writer.
func WithFeedSettle(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.settle = d
		}
	}
}

func WithKicker(k Kicker) Option {
	return func(s *Service) { s.kicker = k }
}

func NewService(store Store, logger pslog.Logger, metrics *obs.Metrics, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  obs.EnsureLogger(logger).With("svc", "engine"),
		metrics: metrics,
		clock:   clock.Real{},
		ttl:     DefaultRequestTTL,
		settle:  DefaultFeedSettle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) Now() time.Time { return s.clock.Now() }

// SetKicker attaches the dispatcher after construction; the dispatcher itself
// depends on the store the service was built with.
func (s *Service) SetKicker(k Kicker) { s.kicker = k }

// Submit creates a pending request unless the requester already holds one.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	start := time.Now()
	defer s.metrics.ObserveLatency("submit", start)

	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if err := validateSubmit(req); err != nil {
		s.metrics.IncSubmit("invalid")
		return Result{}, err
	}

	ctx, span := obs.StartSpan(ctx, "engine.submit",
		attribute.String("requester_id", req.RequesterID),
		attribute.String("provider_id", req.ProviderID),
	)
	defer span.End()

	now := s.clock.Now()
	row := Request{
		ID:          newRequestID(),
		RequesterID: req.RequesterID,
		ProviderID:  req.ProviderID,
		Status:      StatusPending,
		CreatedAt:   now,
		Message:     req.Message,
	}
	if req.Position != nil {
		p := *req.Position
		row.Position = &p
	}

	var (
		res     Result
		expired []Request
		created bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		res, expired, created = Result{}, nil, false

		stale, err := tx.ExpirePending(ctx, ExpireFilter{
			RequesterID:   req.RequesterID,
			CreatedBefore: now.Add(-s.ttl),
			At:            now,
		})
		if err != nil {
			return err
		}
		if err := s.outboxExpired(ctx, tx, stale, now); err != nil {
			return err
		}
		expired = stale

		for attempt := 0; attempt < insertAttempts; attempt++ {
			inserted, err := tx.InsertPending(ctx, row)
			if err != nil {
				return err
			}
			if inserted {
				created = true
				res.Request = row
				return tx.InsertNotification(ctx, newNotification(row.ProviderID, row.ID, KindNewRequest, now))
			}
			cur, ok, err := tx.PendingFor(ctx, req.RequesterID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			res.Request = cur
			res.Rejection = s.lockedRejection(cur, req.ProviderID, now)
			return nil
		}
		return errors.New("submit: pending row changed during insert")
	})
	if err != nil {
		return Result{}, s.fail(span, "submit", err)
	}

	if created {
		s.metrics.IncSubmit("created")
		s.logger.Info("engine.submit.created",
			"request_id", row.ID,
			"requester_id", row.RequesterID,
			"provider_id", row.ProviderID,
			"expires_at", row.ExpiresAt(s.ttl),
		)
	} else {
		s.metrics.IncSubmit(string(res.Rejection.Reason))
		s.logger.Info("engine.submit.rejected",
			"requester_id", req.RequesterID,
			"provider_id", req.ProviderID,
			"reason", res.Rejection.Reason,
			"active_provider_id", res.Rejection.ActiveProviderID,
			"request_id", res.Rejection.RequestID,
		)
		span.SetAttributes(attribute.String("rejection", string(res.Rejection.Reason)))
	}
	changed := expired
	if created {
		changed = append(changed, row)
	}
	s.afterCommit(ctx, len(changed) > 0, changed...)
	return res, nil
}

func (s *Service) lockedRejection(cur Request, providerID string, now time.Time) *Rejection {
	reason := ReasonAlreadyLocked
	if cur.ProviderID == providerID {
		reason = ReasonDuplicate
	}
	exp := cur.ExpiresAt(s.ttl)
	return &Rejection{
		Reason:           reason,
		RequestID:        cur.ID,
		ActiveProviderID: cur.ProviderID,
		Status:           cur.Status,
		ExpiresAt:        exp,
		Remaining:        remaining(exp, now),
	}
}

// Respond applies the target provider's decision to a pending request.
func (s *Service) Respond(ctx context.Context, req RespondRequest) (Result, error) {
	start := time.Now()
	defer s.metrics.ObserveLatency("respond", start)

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	to, err := validateRespond(req)
	if err != nil {
		s.metrics.IncRespond("invalid")
		return Result{}, err
	}

	ctx, span := obs.StartSpan(ctx, "engine.respond",
		attribute.String("request_id", req.RequestID),
		attribute.String("provider_id", req.ProviderID),
		attribute.String("decision", string(req.Decision)),
	)
	defer span.End()

	now := s.clock.Now()
	var (
		res     Result
		changed []Request
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		res, changed = Result{}, nil

		decided, ok, err := tx.Decide(ctx, DecideParams{
			RequestID:        req.RequestID,
			ProviderID:       req.ProviderID,
			To:               to,
			CreatedNotBefore: now.Add(-s.ttl),
			At:               now,
		})
		if err != nil {
			return err
		}
		if ok {
			res.Request = decided
			changed = []Request{decided}
			kind := KindAccepted
			if to == StatusRejected {
				kind = KindRejected
			}
			return tx.InsertNotification(ctx, newNotification(decided.RequesterID, decided.ID, kind, now))
		}

		cur, found, err := tx.GetRequest(ctx, req.RequestID)
		if err != nil {
			return err
		}
		if !found {
			res.Rejection = &Rejection{Reason: ReasonNotFound, RequestID: req.RequestID}
			return nil
		}
		if cur.ProviderID != req.ProviderID {
			res.Rejection = &Rejection{Reason: ReasonNotTargetProvider, RequestID: cur.ID}
			return nil
		}
		if cur.Status == StatusPending {
			stale, err := tx.ExpirePending(ctx, ExpireFilter{
				RequestID:     cur.ID,
				CreatedBefore: now.Add(-s.ttl),
				At:            now,
			})
			if err != nil {
				return err
			}
			if err := s.outboxExpired(ctx, tx, stale, now); err != nil {
				return err
			}
			changed = stale
			if len(stale) > 0 {
				cur = stale[0]
			} else if cur, _, err = tx.GetRequest(ctx, req.RequestID); err != nil {
				return err
			}
		}
		res.Request = cur
		res.Rejection = &Rejection{
			Reason:           ReasonAlreadyDecided,
			RequestID:        cur.ID,
			ActiveProviderID: cur.ProviderID,
			Status:           cur.Status,
		}
		return nil
	})
	if err != nil {
		return Result{}, s.fail(span, "respond", err)
	}

	if res.OK() {
		s.metrics.IncRespond(string(to))
		s.logger.Info("engine.respond.decided",
			"request_id", res.Request.ID,
			"requester_id", res.Request.RequesterID,
			"provider_id", res.Request.ProviderID,
			"status", res.Request.Status,
		)
	} else {
		s.metrics.IncRespond(string(res.Rejection.Reason))
		s.logger.Info("engine.respond.rejected",
			"request_id", req.RequestID,
			"provider_id", req.ProviderID,
			"reason", res.Rejection.Reason,
			"status", res.Rejection.Status,
		)
		span.SetAttributes(attribute.String("rejection", string(res.Rejection.Reason)))
	}
	s.afterCommit(ctx, len(changed) > 0, changed...)
	return res, nil
}

// ExpireSweep expires every pending request past its TTL and returns how
// many rows changed. Running it concurrently from several processes is safe.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer s.metrics.ObserveLatency("expire_sweep", start)

	ctx, span := obs.StartSpan(ctx, "engine.expire_sweep")
	defer span.End()

	expired, err := s.expire(ctx, ExpireFilter{})
	if err != nil {
		return 0, s.fail(span, "expire_sweep", err)
	}
	span.SetAttributes(attribute.Int("expired", len(expired)))
	if len(expired) > 0 {
		s.logger.Info("engine.expire_sweep.done", "expired", len(expired), "latency_ms", time.Since(start).Milliseconds())
	}
	return len(expired), nil
}

// LockView derives the requester's lock state from its pending row. A row
// past its TTL is reported unlocked and expired in passing.
func (s *Service) LockView(ctx context.Context, requesterID string) (LockView, error) {
	start := time.Now()
	defer s.metrics.ObserveLatency("lock_view", start)

	requesterID = strings.TrimSpace(requesterID)
	if err := validateID("requester_id", requesterID); err != nil {
		return LockView{}, err
	}
	ctx, span := obs.StartSpan(ctx, "engine.lock_view", attribute.String("requester_id", requesterID))
	defer span.End()

	view := LockView{RequesterID: requesterID}
	cur, ok, err := s.store.PendingFor(ctx, requesterID)
	if err != nil {
		return LockView{}, s.fail(span, "lock_view", err)
	}
	if !ok {
		return view, nil
	}
	now := s.clock.Now()
	if cur.PastTTL(s.ttl, now) {
		if _, err := s.expire(ctx, ExpireFilter{RequesterID: requesterID}); err != nil {
			s.logger.Warn("engine.lock_view.lazy_expire_failed", "requester_id", requesterID, "error", err)
		}
		return view, nil
	}
	exp := cur.ExpiresAt(s.ttl)
	view.Locked = true
	view.ActiveProviderID = cur.ProviderID
	view.RequestID = cur.ID
	view.ExpiresAt = exp
	view.Remaining = remaining(exp, now)
	span.SetAttributes(attribute.Bool("locked", true))
	return view, nil
}

// expire runs one conditional expiry transaction for rows matching f.
func (s *Service) expire(ctx context.Context, f ExpireFilter) ([]Request, error) {
	now := s.clock.Now()
	f.CreatedBefore = now.Add(-s.ttl)
	f.At = now
	var expired []Request
	err := s.store.WithTx(ctx, func(tx Tx) error {
		rows, err := tx.ExpirePending(ctx, f)
		if err != nil {
			return err
		}
		expired = rows
		return s.outboxExpired(ctx, tx, rows, now)
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, len(expired) > 0, expired...)
	return expired, nil
}

func (s *Service) outboxExpired(ctx context.Context, tx Tx, rows []Request, now time.Time) error {
	for _, r := range rows {
		if err := tx.InsertNotification(ctx, newNotification(r.RequesterID, r.ID, KindExpired, now)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Request, bool, error) {
	id = strings.TrimSpace(id)
	if err := validateID("request_id", id); err != nil {
		return Request{}, false, err
	}
	r, ok, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, false, unavailable("get", err)
	}
	return r, ok, nil
}

// History lists a requester's requests, newest first.
func (s *Service) History(ctx context.Context, requesterID string, limit int) ([]Request, error) {
	requesterID = strings.TrimSpace(requesterID)
	if err := validateID("requester_id", requesterID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListByRequester(ctx, requesterID, clampLimit(limit))
	if err != nil {
		return nil, unavailable("history", err)
	}
	return rows, nil
}

// Inbox lists requests addressed to a provider, newest first.
func (s *Service) Inbox(ctx context.Context, providerID string, status Status, limit int) ([]Request, error) {
	providerID = strings.TrimSpace(providerID)
	if err := validateID("provider_id", providerID); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, invalid("status", "unknown status "+string(status))
	}
	rows, err := s.store.ListByProvider(ctx, providerID, status, clampLimit(limit))
	if err != nil {
		return nil, unavailable("inbox", err)
	}
	return rows, nil
}

// Notifications pages through a recipient's outbox rows after the given
// cursor. Rows younger than the settle window are held back for a later page.
func (s *Service) Notifications(ctx context.Context, recipientID, after string, limit int) (NotificationPage, error) {
	recipientID = strings.TrimSpace(recipientID)
	if err := validateID("recipient_id", recipientID); err != nil {
		return NotificationPage{}, err
	}
	cur, err := ParseFeedCursor(after)
	if err != nil {
		return NotificationPage{}, err
	}
	rows, err := s.store.ListNotifications(ctx, recipientID, cur, s.clock.Now().Add(-s.settle), clampLimit(limit))
	if err != nil {
		return NotificationPage{}, unavailable("notifications", err)
	}
	page := NotificationPage{Notifications: rows, Next: cur.String()}
	if len(rows) > 0 {
		page.Next = cursorOf(rows[len(rows)-1]).String()
	}
	return page, nil
}

// CountPending counts requests currently holding a lock.
func (s *Service) CountPending(ctx context.Context) (int64, error) {
	n, err := s.store.CountPending(ctx, s.clock.Now().Add(-s.ttl))
	if err != nil {
		return 0, unavailable("count_pending", err)
	}
	return n, nil
}

func (s *Service) fail(span trace.Span, op string, err error) error {
	uerr := unavailable(op, err)
	s.metrics.IncUnavailable(op, errors.Is(err, ErrBusy))
	span.RecordError(err)
	span.SetStatus(codes.Error, "store unavailable")
	s.logger.Error("engine."+op+".unavailable", "error", err)
	switch op {
	case "submit":
		s.metrics.IncSubmit("unavailable")
	case "respond":
		s.metrics.IncRespond("unavailable")
	}
	return uerr
}

// afterCommit publishes change hints for rows and wakes the dispatcher.
// Neither can fail the operation that already committed.
func (s *Service) afterCommit(ctx context.Context, wroteOutbox bool, rows ...Request) {
	for _, r := range rows {
		if r.Status == StatusExpired {
			s.metrics.AddExpired(1)
		}
	}
	if s.feed != nil && len(rows) > 0 {
		pubCtx := context.WithoutCancel(ctx)
		for _, r := range rows {
			for _, party := range []string{r.RequesterID, r.ProviderID} {
				ev := changefeed.Event{PartyID: party, RequestID: r.ID, Status: string(r.Status), At: s.clock.Now()}
				if err := s.feed.Publish(pubCtx, ev); err != nil {
					s.logger.Warn("engine.changefeed.publish_failed", "party_id", party, "request_id", r.ID, "error", err)
				}
			}
		}
	}
	if wroteOutbox && s.kicker != nil {
		s.kicker.Kick()
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newNotification(recipient, requestID string, kind NotificationKind, now time.Time) Notification {
	next := now
	return Notification{
		ID:            xid.New().String(),
		RecipientID:   recipient,
		RequestID:     requestID,
		Kind:          kind,
		CreatedAt:     now,
		NextAttemptAt: &next,
	}
}

func remaining(exp, now time.Time) time.Duration {
	if d := exp.Sub(now); d > 0 {
		return d
	}
	return 0
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}

func validateID(field, v string) error {
	if v == "" {
		return invalid(field, "required")
	}
	if len(v) > MaxIDLength {
		return invalid(field, "too long")
	}
	if !utf8.ValidString(v) {
		return invalid(field, "not valid utf-8")
	}
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return invalid(field, "contains control characters")
		}
	}
	return nil
}

func validateSubmit(req SubmitRequest) error {
	if err := validateID("requester_id", req.RequesterID); err != nil {
		return err
	}
	if err := validateID("provider_id", req.ProviderID); err != nil {
		return err
	}
	if req.RequesterID == req.ProviderID {
		return invalid("provider_id", "must differ from requester_id")
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return invalid("message", "too long")
	}
	if req.Position != nil && !req.Position.Valid() {
		return invalid("position", "coordinates or accuracy out of range")
	}
	return nil
}

func validateRespond(req RespondRequest) (Status, error) {
	if err := validateID("request_id", req.RequestID); err != nil {
		return "", err
	}
	if err := validateID("provider_id", req.ProviderID); err != nil {
		return "", err
	}
	to, ok := req.Decision.status()
	if !ok {
		return "", invalid("decision", "must be accept or reject")
	}
	return to, nil
}
