package matchclient

import "time"

// Decision values accepted by Respond.
const (
	Accept = "accept"
	Reject = "reject"
)

// Request status values.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

type Position struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

// Submission is what a requester sends to open a request.
type Submission struct {
	RequesterID string    `json:"requester_id"`
	ProviderID  string    `json:"provider_id"`
	Message     string    `json:"message,omitempty"`
	Position    *Position `json:"position,omitempty"`
}

// Request mirrors the server's request record. ExpiresAtMS is only set
// while the request is pending.
type Request struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	ProviderID  string    `json:"provider_id"`
	Status      string    `json:"status"`
	CreatedAtMS int64     `json:"created_at_ms"`
	DecidedAtMS int64     `json:"decided_at_ms,omitempty"`
	ExpiresAtMS int64     `json:"expires_at_ms,omitempty"`
	Position    *Position `json:"position,omitempty"`
	Message     string    `json:"message,omitempty"`
}

func (r Request) ExpiresAt() time.Time { return msTime(r.ExpiresAtMS) }

type LockView struct {
	RequesterID      string `json:"requester_id"`
	Locked           bool   `json:"locked"`
	ActiveProviderID string `json:"active_provider_id,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	ExpiresAtMS      int64  `json:"expires_at_ms,omitempty"`
	RemainingMS      int64  `json:"remaining_ms,omitempty"`
}

func (v LockView) Remaining() time.Duration {
	return time.Duration(v.RemainingMS) * time.Millisecond
}

// RetryOptions controls SubmitWithRetry.
type RetryOptions struct {
	MaxRetries   int           // 0 => 10
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 50ms
	MaxRetry     time.Duration // default 2s
	JitterFrac   float64       // default 0.2; negative disables jitter
}

// WatchOptions controls WatchLock polling.
type WatchOptions struct {
	Interval time.Duration // default 1s
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
