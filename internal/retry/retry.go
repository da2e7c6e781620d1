// Package retry wraps external calls with bounded exponential backoff and
// failure classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/inboxflow/pkg/api"
)

// Policy bounds how an external call is retried.
type Policy struct {
	// MaxRetries is the total number of attempts. Values <= 0 mean one attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// AttemptTimeout is the soft timeout of a single attempt. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns 3 attempts with delays of 2s and 4s, capped at 16s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   16 * time.Second,
	}
}

func (p Policy) attempts() int {
	if p.MaxRetries <= 0 {
		return 1
	}
	return p.MaxRetries
}

// Delay returns the wait after the failed 0-based attempt:
// min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RefreshFunc renews credentials after an authorization failure.
type RefreshFunc func(ctx context.Context) error

// Executor runs external calls under a Policy. It is safe for concurrent use.
type Executor struct {
	policy   Policy
	sleep    SleepFunc
	limiter  *rate.Limiter
	observer api.Observer
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithLimiter gates every attempt on a shared rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithObserver reports retry attempts to obs.
func WithObserver(obs api.Observer) Option {
	return func(e *Executor) { e.observer = obs }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor.
func New(p Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   p,
		sleep:    sleepContext,
		observer: api.NoopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

type call struct {
	refresh RefreshFunc
}

// CallOption configures a single call.
type CallOption func(*call)

// WithRefresh installs the credential refresh hook for one call.
func WithRefresh(fn RefreshFunc) CallOption {
	return func(c *call) { c.refresh = fn }
}

// RefreshWith uses r as refresh hook when it implements
// api.CredentialRefresher, and is a no-op otherwise.
func RefreshWith(r any) CallOption {
	cr, ok := r.(api.CredentialRefresher)
	if !ok {
		return func(*call) {}
	}
	return WithRefresh(cr.RefreshCredentials)
}

// Do runs fn until it succeeds, fails permanently, or the attempts are used up.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error, opts ...CallOption) error {
	_, err := Value(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// Value is Do for calls that return a result. Results of attempts that
// outlived their soft timeout are discarded.
//
// The policy's attempt budget and backoff count transient failures only.
// The call repeated after a credential refresh is extra and does not wait.
//
// The returned error is ctx.Err() when ctx ends, *api.PermanentFailureError
// for non-retryable failures, or *api.RetriesExhaustedError.
func Value[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T
	var c call
	for _, opt := range opts {
		opt(&c)
	}

	instanceID := api.InstanceIDFromContext(ctx)
	maxAttempts := e.policy.attempts()
	refreshed := false
	failures := 0
	var last error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return zero, ctx.Err()
				}
				return zero, fmt.Errorf("%s: rate limiter: %w", op, err)
			}
		}

		v, err := runAttempt(ctx, e.policy.AttemptTimeout, fn)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		last = err

		kind := api.KindOf(err)
		switch kind {
		case api.KindPermanentTerminal:
			e.logger.ErrorContext(ctx, "call failed permanently",
				slog.String("instance_id", instanceID),
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return zero, &api.PermanentFailureError{Operation: op, Attempt: attempt, Kind: kind, Err: err}

		case api.KindPermanentRecoverable:
			if c.refresh == nil || refreshed {
				return zero, &api.PermanentFailureError{Operation: op, Attempt: attempt, Kind: kind, Err: err}
			}
			refreshed = true
			if rerr := c.refresh(ctx); rerr != nil {
				return zero, &api.PermanentFailureError{
					Operation: op,
					Attempt:   attempt,
					Kind:      kind,
					Err:       errors.Join(err, fmt.Errorf("credential refresh: %w", rerr)),
				}
			}
			e.logger.InfoContext(ctx, "credentials refreshed",
				slog.String("instance_id", instanceID),
				slog.String("operation", op),
				slog.Int("attempt", attempt),
			)
			e.observer.OnRetry(ctx, api.RetryAttempt{
				InstanceID: instanceID,
				Operation:  op,
				Attempt:    attempt,
				ErrorClass: kind,
				Err:        err,
			})
			continue
		}

		failures++
		if failures >= maxAttempts {
			break
		}

		delay := e.policy.Delay(failures - 1)
		e.logger.WarnContext(ctx, "call failed, retrying",
			slog.String("instance_id", instanceID),
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error_class", string(kind)),
			slog.Any("error", err),
		)
		e.observer.OnRetry(ctx, api.RetryAttempt{
			InstanceID: instanceID,
			Operation:  op,
			Attempt:    attempt,
			Delay:      delay,
			ErrorClass: kind,
			Err:        err,
		})
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	e.logger.ErrorContext(ctx, "retries exhausted",
		slog.String("instance_id", instanceID),
		slog.String("operation", op),
		slog.Int("attempts", maxAttempts),
		slog.Any("error", last),
	)
	return zero, &api.RetriesExhaustedError{Operation: op, Attempts: maxAttempts, Last: last}
}

type attemptResult[T any] struct {
	v   T
	err error
}

// errAttemptTimeout is wrapped into the transient error reported when an
// attempt outlives its soft timeout.
var errAttemptTimeout = errors.New("attempt timed out")

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(actx)
		done <- attemptResult[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-actx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, api.Transient(fmt.Errorf("%w after %s: %w", errAttemptTimeout, timeout, context.DeadlineExceeded))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
