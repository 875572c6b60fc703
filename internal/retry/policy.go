// Package retry implements the retry controller (C4): attempt policy with
// jitter, transient-error classification, and the idempotency gate that
// decides whether a failed task handler invocation is retried.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls how a task handler invocation is retried.
type Policy struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

// DefaultPolicy matches spec: attempts=3, min=500ms, max=60s, jitter=0.15.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		MinDelay: 500 * time.Millisecond,
		MaxDelay: 60 * time.Second,
		Jitter:   0.15,
	}
}

// EffectiveAttempts returns min(taskMaxAttempts, policy.Attempts).
func (p Policy) EffectiveAttempts(taskMaxAttempts int) int {
	if taskMaxAttempts > 0 && taskMaxAttempts < p.Attempts {
		return taskMaxAttempts
	}
	return p.Attempts
}

// delayForAttempt returns the sleep duration before retrying, given the
// zero-based attempt number that just failed. Delay doubles every attempt,
// capped at MaxDelay, then jittered by ±Jitter.
func (p Policy) delayForAttempt(attempt int) time.Duration {
	base := float64(p.MinDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if base < 0 {
		base = 0
	}
	jitterFrac := 1.0 + (rand.Float64()*2.0-1.0)*p.Jitter
	delay := time.Duration(base * jitterFrac)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// TransientError is how a task handler signals that a failure is eligible
// for retry. StatusCode is set when the failure came from an HTTP response.
type TransientError struct {
	Message    string
	Transient  bool
	StatusCode int
}

func (e *TransientError) Error() string { return e.Message }

// NewTransient wraps err as a retry-eligible failure.
func NewTransient(err error) *TransientError {
	return &TransientError{Message: err.Error(), Transient: true}
}

// NewTransientStatus wraps an HTTP-derived failure with its status code.
func NewTransientStatus(statusCode int, message string) *TransientError {
	return &TransientError{Message: message, Transient: true, StatusCode: statusCode}
}

// NewFatal wraps a non-retryable failure.
func NewFatal(message string) *TransientError {
	return &TransientError{Message: message, Transient: false}
}

// transientHTTPStatuses is the standard set per spec §4.2/§4.3.
var transientHTTPStatuses = map[int]bool{
	408: true, 409: true, 425: true, 429: true,
	500: true, 502: true, 503: true, 504: true,
}

// IsTransientHTTPStatus reports whether status is in the standard transient set.
func IsTransientHTTPStatus(status int) bool {
	return transientHTTPStatuses[status]
}

func isTransient(err error) bool {
	te, ok := err.(*TransientError)
	if !ok {
		return false
	}
	return te.Transient
}

// Do invokes fn under the policy, retrying while the error returned is a
// *TransientError with Transient=true, idempotent is true, and attempts
// remain. It sleeps (respecting ctx-less callers via a plain timer) between
// attempts. The caller supplies taskMaxAttempts (0 uses the policy default)
// and idempotent (the task's idempotency flag); on the final failing attempt
// the last error is returned unchanged.
func Do(taskMaxAttempts int, idempotent bool, policy Policy, fn func(attempt int) error) error {
	budget := policy.EffectiveAttempts(taskMaxAttempts)
	if budget < 1 {
		budget = 1
	}

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !idempotent || !isTransient(lastErr) || attempt == budget-1 {
			return lastErr
		}
		time.Sleep(policy.delayForAttempt(attempt))
	}
	return lastErr
}
