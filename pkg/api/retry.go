package api

import (
	"math"
	"time"
)

// ParentClosePolicy controls what happens to a still-running child workflow
// when its parent closes.
type ParentClosePolicy string

const (
	// ParentCloseAbandon leaves the child running. This is the default.
	ParentCloseAbandon ParentClosePolicy = "ABANDON"

	// ParentCloseRequestCancel delivers a cooperative cancellation request
	// to the child. The child's own logic decides how to unwind.
	ParentCloseRequestCancel ParentClosePolicy = "REQUEST_CANCEL"
)

// RetryPolicy controls how failed activity invocations and child workflow
// runs are retried.
//
// The delay before attempt n (n >= 2) is
//
//	InitialInterval * BackoffCoefficient^(n-2)
//
// so the first retry waits exactly InitialInterval. MaxAttempts includes the
// first attempt; zero means unlimited. Expiration bounds the total elapsed
// time since the first schedule; zero means no bound.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxAttempts        int
	Expiration         time.Duration
}

// BackoffFor returns the delay to wait before attempt number attempt.
// Attempt numbering matches Attempt fields in history: the call that just
// failed was attempt-1.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt <= 2 || p.BackoffCoefficient <= 1.0 {
		return p.InitialInterval
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-2))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Allows reports whether a retry as attempt number nextAttempt may be
// scheduled, given when the invocation was first scheduled.
func (p RetryPolicy) Allows(nextAttempt int, firstScheduledAt, now time.Time) bool {
	if p.MaxAttempts > 0 && nextAttempt > p.MaxAttempts {
		return false
	}
	if p.Expiration > 0 {
		retryAt := now.Add(p.BackoffFor(nextAttempt))
		if retryAt.After(firstScheduledAt.Add(p.Expiration)) {
			return false
		}
	}
	return true
}
