package model

import (
	"time"

	"matchlock/internal/geo"
)

// DefaultRequestTTL is how long a pending request holds its requester's lock.
const DefaultRequestTTL = 2 * time.Hour

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Decision is a provider's answer to a pending request.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func (d Decision) status() (Status, bool) {
	switch d {
	case DecisionAccept:
		return StatusAccepted, true
	case DecisionReject:
		return StatusRejected, true
	}
	return "", false
}

// Request is one requester's ask to one provider. Position and Message are
// snapshots taken at creation and never change.
type Request struct {
	ID          string
	RequesterID string
	ProviderID  string
	Status      Status
	CreatedAt   time.Time
	DecidedAt   *time.Time
	Position    *geo.Position
	Message     string
}

// ExpiresAt is the instant after which a pending request no longer holds the lock.
func (r Request) ExpiresAt(ttl time.Duration) time.Time {
	return r.CreatedAt.Add(ttl)
}

// PastTTL reports created_at + ttl < now.
func (r Request) PastTTL(ttl time.Duration, now time.Time) bool {
	return r.ExpiresAt(ttl).Before(now)
}

type NotificationKind string

const (
	KindNewRequest NotificationKind = "new-request"
	KindAccepted   NotificationKind = "accepted"
	KindRejected   NotificationKind = "rejected"
	KindExpired    NotificationKind = "expired"
)

// Notification is an outbox row: a durable record that a party should be
// told about a request transition.
type Notification struct {
	ID            string
	RecipientID   string
	RequestID     string
	Kind          NotificationKind
	CreatedAt     time.Time
	DeliveredAt   *time.Time
	Attempts      int
	NextAttemptAt *time.Time // nil once delivered or dead-lettered
	LastError     string
}

func (n Notification) Delivered() bool { return n.DeliveredAt != nil }

type SubmitRequest struct {
	RequesterID string
	ProviderID  string
	Message     string
	Position    *geo.Position
}

type RespondRequest struct {
	RequestID  string
	ProviderID string
	Decision   Decision
}

// Result is the outcome of a write. Exactly one of Rejection == nil (Request
// holds the created or decided row) or Rejection != nil holds.
type Result struct {
	Request   Request
	Rejection *Rejection
}

func (r Result) OK() bool { return r.Rejection == nil }

// LockView is the derived lock state of one requester.
type LockView struct {
	RequesterID      string
	Locked           bool
	ActiveProviderID string
	RequestID        string
	ExpiresAt        time.Time
	Remaining        time.Duration
}
