package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and breaker decisions. Classification
// travels on the error value itself; callers never inspect concrete error
// types from a venue adapter.
type Kind string

const (
	// KindTransient covers network errors and timeouts. Retryable.
	KindTransient Kind = "TRANSIENT"
	// KindRateLimited is a venue throttle. Retryable, honoring the
	// venue-suggested delay when one is present.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindRejected is a venue-side business rejection. Not retryable.
	KindRejected Kind = "REJECTED"
	// KindAuthFailure means the venue session is unusable. Not retryable
	// and trips the breaker immediately.
	KindAuthFailure Kind = "AUTH_FAILURE"
	// KindCircuitOpen is raised by the breaker itself, never by a venue.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindRetryExhausted wraps the last error once attempts run out.
	KindRetryExhausted Kind = "RETRY_EXHAUSTED"
)

// Fault is an error carrying a Kind and, for rate limits, the delay the
// venue asked for.
type Fault struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func New(kind Kind, msg string) error {
	return &Fault{Kind: kind, Err: errors.New(msg)}
}

func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// RateLimited builds a throttle fault with the delay suggested by the venue.
func RateLimited(retryAfter time.Duration, err error) error {
	return &Fault{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the kind from anywhere in the error chain. Errors without
// a Fault are treated as Transient so plain network errors stay retryable.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// RetryAfterOf reports the venue-suggested delay, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var f *Fault
	if errors.As(err, &f) && f.RetryAfter > 0 {
		return f.RetryAfter, true
	}
	return 0, false
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
