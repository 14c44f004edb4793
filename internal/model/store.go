package model

import (
	"context"
	"time"
)

// Store is the transactional backend. Errors it returns are raw; the Service
// maps them to *UnavailableError.
type Store interface {
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetRequest(ctx context.Context, id string) (Request, bool, error)
	PendingFor(ctx context.Context, requesterID string) (Request, bool, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]Request, error)
	// ListByProvider filters by status unless status is empty.
	ListByProvider(ctx context.Context, providerID string, status Status, limit int) ([]Request, error)
	// ListNotifications returns rows for recipientID positioned after the
	// cursor and created no later than settledBefore, in (created_at, id) order.
	ListNotifications(ctx context.Context, recipientID string, after FeedCursor, settledBefore time.Time, limit int) ([]Notification, error)
	// CountPending counts pending rows created at or after notBefore.
	CountPending(ctx context.Context, notBefore time.Time) (int64, error)
}

// Tx is the set of statements the engine runs inside one transaction.
type Tx interface {
	GetRequest(ctx context.Context, id string) (Request, bool, error)
	PendingFor(ctx context.Context, requesterID string) (Request, bool, error)
	// InsertPending inserts r unless its requester already has a pending row.
	InsertPending(ctx context.Context, r Request) (bool, error)
	// Decide moves a pending, in-TTL request addressed to providerID to status.
	Decide(ctx context.Context, p DecideParams) (Request, bool, error)
	// ExpirePending moves matching pending rows created before
	// f.CreatedBefore to expired and returns them.
	ExpirePending(ctx context.Context, f ExpireFilter) ([]Request, error)
	InsertNotification(ctx context.Context, n Notification) error
}

type DecideParams struct {
	RequestID        string
	ProviderID       string
	To               Status
	CreatedNotBefore time.Time
	At               time.Time
}

// ExpireFilter narrows ExpirePending. Empty RequesterID and RequestID match
// every pending row.
type ExpireFilter struct {
	RequesterID   string
	RequestID     string
	CreatedBefore time.Time
	At            time.Time
}
