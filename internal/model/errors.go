package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	// ErrUnavailable matches any *UnavailableError. Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalid matches any *InvalidError.
	ErrInvalid = errors.New("invalid argument")
	// ErrBusy is wrapped by stores when the backend reported lock contention.
	ErrBusy = errors.New("store busy")
)

// Reason names a logical rejection.
type Reason string

const (
	ReasonAlreadyLocked     Reason = "already-locked"
	ReasonDuplicate         Reason = "duplicate"
	ReasonAlreadyDecided    Reason = "already-decided"
	ReasonNotTargetProvider Reason = "not-target-provider"
	ReasonNotFound          Reason = "not-found"
)

// Rejection is a logical refusal computed from the authoritative row. It is a
// value, not an error: nothing about it is retryable.
type Rejection struct {
	Reason           Reason
	RequestID        string
	ActiveProviderID string
	Status           Status
	ExpiresAt        time.Time
	Remaining        time.Duration
}

// Message renders the rejection for people. now anchors relative times.
func (r *Rejection) Message(now time.Time) string {
	if r == nil {
		return ""
	}
	switch r.Reason {
	case ReasonAlreadyLocked:
		return fmt.Sprintf("another request is pending with provider %s, lock releases %s",
			r.ActiveProviderID, humanize.RelTime(r.ExpiresAt, now, "ago", "from now"))
	case ReasonDuplicate:
		return fmt.Sprintf("request %s to this provider is already pending, lock releases %s",
			r.RequestID, humanize.RelTime(r.ExpiresAt, now, "ago", "from now"))
	case ReasonAlreadyDecided:
		return fmt.Sprintf("request %s is already %s", r.RequestID, r.Status)
	case ReasonNotTargetProvider:
		return fmt.Sprintf("request %s is addressed to another provider", r.RequestID)
	case ReasonNotFound:
		return fmt.Sprintf("request %s not found", r.RequestID)
	}
	return string(r.Reason)
}

// UnavailableError reports a failed store round-trip. The operation had no
// effect or its effect is unknown; retrying submit is safe.
type UnavailableError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) *UnavailableError {
	retry := time.Second
	if errors.Is(err, ErrBusy) {
		retry = 50 * time.Millisecond
	}
	return &UnavailableError{Op: op, Err: err, RetryAfter: retry}
}

// InvalidError reports malformed input rejected before any write.
type InvalidError struct {
	Field  string
	Detail string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

func (e *InvalidError) Is(target error) bool { return target == ErrInvalid }

func invalid(field, detail string) *InvalidError {
	return &InvalidError{Field: field, Detail: detail}
}
