package retry

import (
	"errors"
	"math"
	"time"

	"capital-router/internal/fault"
)

// Policy is immutable retry configuration. It is constructed once at
// startup (or overridden per call) and passed by value; there is no shared
// default instance.
type Policy struct {
	MaxAttempts    int
	MinWait        time.Duration
	MaxWait        time.Duration
	Multiplier     float64
	RetryableKinds []fault.Kind
}

// DefaultRetryable matches the venue error contract: only transient and
// rate-limit failures are worth a second attempt.
func DefaultRetryable() []fault.Kind {
	return []fault.Kind{fault.KindTransient, fault.KindRateLimited}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max_attempts must be >= 1")
	}
	if p.MinWait < 0 || p.MaxWait < 0 {
		return errors.New("retry: waits must be >= 0")
	}
	if p.MinWait > p.MaxWait {
		return errors.New("retry: min_wait must be <= max_wait")
	}
	if p.Multiplier < 1 {
		return errors.New("retry: multiplier must be >= 1")
	}
	return nil
}

// Wait returns the backoff before attempt n. The first attempt never
// waits; attempt n >= 2 waits min(MaxWait, MinWait*Multiplier^(n-2)).
func (p Policy) Wait(attempt int) time.Duration {
	if attempt <= 1 || p.MinWait <= 0 {
		return 0
	}
	wait := float64(p.MinWait) * math.Pow(p.Multiplier, float64(attempt-2))
	if wait > float64(p.MaxWait) {
		return p.MaxWait
	}
	return time.Duration(wait)
}

func (p Policy) retryable(kind fault.Kind) bool {
	if kind == fault.KindCircuitOpen {
		return false
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}
