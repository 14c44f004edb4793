package matchclient

import (
	"errors"
	"fmt"
	"time"
)

// Rejection reasons reported by the server.
const (
	ReasonAlreadyLocked     = "already-locked"
	ReasonDuplicate         = "duplicate"
	ReasonAlreadyDecided    = "already-decided"
	ReasonNotTargetProvider = "not-target-provider"
	ReasonNotFound          = "not-found"
)

// ErrNotFound is returned by Get for an unknown request id.
var ErrNotFound = errors.New("matchclient: request not found")

// RejectedError is a logical refusal. Retrying the same call will not change
// the outcome until the lock state changes.
type RejectedError struct {
	Reason           string `json:"reason"`
	Message          string `json:"message"`
	RequestID        string `json:"request_id,omitempty"`
	ActiveProviderID string `json:"active_provider_id,omitempty"`
	Status           string `json:"status,omitempty"`
	ExpiresAtMS      int64  `json:"expires_at_ms,omitempty"`
	RemainingMS      int64  `json:"remaining_ms,omitempty"`
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rejected: %s (%s)", e.Reason, e.Message)
	}
	return "rejected: " + e.Reason
}

// Locked reports whether the rejection came from an outstanding pending request.
func (e *RejectedError) Locked() bool {
	return e.Reason == ReasonAlreadyLocked || e.Reason == ReasonDuplicate
}

func (e *RejectedError) Remaining() time.Duration {
	return time.Duration(e.RemainingMS) * time.Millisecond
}

// UnavailableError means the server could not decide: a 503 or a transport
// failure. These are safe to retry.
type UnavailableError struct {
	Method     string
	Path       string
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unavailable: %s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("unavailable: %s %s (retry after %s)", e.Method, e.Path, e.RetryAfter)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// InvalidError is a 400: the input was refused before any write.
type InvalidError struct {
	Path    string
	Message string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid request to %s: %s", e.Path, e.Message)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

// IsUnavailable reports whether err is retryable.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// IsRejected returns the rejection wrapped in err, if any.
func IsRejected(err error) (*RejectedError, bool) {
	var r *RejectedError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
