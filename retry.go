package inboxflow

import (
	"time"

	"github.com/petrijr/inboxflow/internal/retry"
)

// RetryPolicy bounds how collaborator calls are retried.
type RetryPolicy = retry.Policy

// DefaultRetryPolicy returns 3 attempts with delays of 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return retry.DefaultPolicy()
}

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetryPolicy.
type RetryBuilder struct {
	policy RetryPolicy
}

// Attempts creates a RetryBuilder allowing maxAttempts calls in total, using
// the default backoff.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Attempts(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := retry.DefaultPolicy()
	p.MaxRetries = maxAttempts
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - base is the delay before the first retry; it doubles on each retry.
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Attempts(5).WithExponentialBackoff(500*time.Millisecond, 8*time.Second)
func (r RetryBuilder) WithExponentialBackoff(base, max time.Duration) RetryBuilder {
	p := r.policy
	p.BaseDelay = base
	p.MaxDelay = max
	return RetryBuilder{policy: p}
}

// WithStageTimeout sets the soft timeout of a single attempt. An attempt
// that runs longer counts as a transient failure.
func (r RetryBuilder) WithStageTimeout(d time.Duration) RetryBuilder {
	p := r.policy
	p.AttemptTimeout = d
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect the attempt count.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.BaseDelay = 0
	p.MaxDelay = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
