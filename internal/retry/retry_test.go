package retry

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/petrijr/inboxflow/pkg/api"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.delays)
}

type retryObserver struct {
	api.NoopObserver
	mu       sync.Mutex
	attempts []api.RetryAttempt
}

func (o *retryObserver) OnRetry(ctx context.Context, a api.RetryAttempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, a)
}

func newTestExecutor(p Policy, opts ...Option) (*Executor, *sleepRecorder) {
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return New(p, opts...), rec
}

func TestPolicy_DelaySequence(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second, 16 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestPolicy_DelayCapBelowBase(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, MaxDelay: 3 * time.Second}
	if got := p.Delay(0); got != 3*time.Second {
		t.Fatalf("expected cap to apply to the first delay, got %v", got)
	}
}

func TestExecutor_TransientThenSuccess(t *testing.T) {
	for k := 0; k < 3; k++ {
		ex, rec := newTestExecutor(Policy{MaxRetries: 4, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second})

		calls := 0
		err := ex.Do(context.Background(), "flaky", func(ctx context.Context) error {
			calls++
			if calls <= k {
				return api.Transient(errors.New("connection reset"))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("k=%d: expected success, got %v", k, err)
		}
		if calls != k+1 {
			t.Fatalf("k=%d: expected %d calls, got %d", k, k+1, calls)
		}

		var want []time.Duration
		for i := 0; i < k; i++ {
			want = append(want, min(2*time.Second<<i, 16*time.Second))
		}
		if got := rec.recorded(); !slices.Equal(got, want) {
			t.Fatalf("k=%d: delays = %v, want %v", k, got, want)
		}
	}
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	obs := &retryObserver{}
	ex, rec := newTestExecutor(DefaultPolicy(), WithObserver(obs))

	underlying := &api.HTTPStatusError{Code: http.StatusServiceUnavailable, Err: errors.New("unavailable")}
	calls := 0
	err := ex.Do(context.Background(), "gmail.apply", func(ctx context.Context) error {
		calls++
		return underlying
	})

	var exhausted *api.RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || exhausted.Operation != "gmail.apply" {
		t.Fatalf("unexpected exhausted error: %+v", exhausted)
	}
	if !errors.Is(err, underlying) {
		t.Fatalf("expected exhausted error to wrap the last failure")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if got := rec.recorded(); !slices.Equal(got, []time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Fatalf("unexpected delays: %v", got)
	}
	if len(obs.attempts) != 2 {
		t.Fatalf("expected 2 retry notifications, got %d", len(obs.attempts))
	}
	if obs.attempts[1].Attempt != 1 || obs.attempts[1].ErrorClass != api.KindTransient {
		t.Fatalf("unexpected retry attempt record: %+v", obs.attempts[1])
	}
}

func TestExecutor_PermanentFailureNotRetried(t *testing.T) {
	ex, rec := newTestExecutor(DefaultPolicy())

	calls := 0
	err := ex.Do(context.Background(), "send", func(ctx context.Context) error {
		calls++
		return api.Permanent(errors.New("recipient rejected"))
	})

	var pf *api.PermanentFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PermanentFailureError, got %v", err)
	}
	if pf.Kind != api.KindPermanentTerminal || pf.Attempt != 0 {
		t.Fatalf("unexpected permanent failure: %+v", pf)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", rec.recorded())
	}
}

func TestExecutor_StatusCodesClassified(t *testing.T) {
	ex, _ := newTestExecutor(DefaultPolicy())

	err := ex.Do(context.Background(), "bad-request", func(ctx context.Context) error {
		return &api.HTTPStatusError{Code: http.StatusBadRequest}
	})
	var pf *api.PermanentFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected 400 to fail permanently, got %v", err)
	}

	calls := 0
	err = ex.Do(context.Background(), "rate-limited", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &api.HTTPStatusError{Code: http.StatusTooManyRequests}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected 429 to be retried once, err=%v calls=%d", err, calls)
	}
}

func TestExecutor_AuthRefreshOnce(t *testing.T) {
	ex, rec := newTestExecutor(DefaultPolicy())

	refreshes := 0
	calls := 0
	err := ex.Do(context.Background(), "mailbox.apply", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &api.HTTPStatusError{Code: http.StatusUnauthorized}
		}
		return nil
	}, WithRefresh(func(ctx context.Context) error {
		refreshes++
		return nil
	}))
	if err != nil {
		t.Fatalf("expected success after refresh, got %v", err)
	}
	if refreshes != 1 || calls != 2 {
		t.Fatalf("expected 1 refresh and 2 calls, got %d and %d", refreshes, calls)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("refresh retry must not back off, got %v", rec.recorded())
	}
}

func TestExecutor_AuthFailsAgainAfterRefresh(t *testing.T) {
	ex, _ := newTestExecutor(DefaultPolicy())

	refreshes := 0
	calls := 0
	err := ex.Do(context.Background(), "mailbox.apply", func(ctx context.Context) error {
		calls++
		return api.AuthExpired(errors.New("token expired"))
	}, WithRefresh(func(ctx context.Context) error {
		refreshes++
		return nil
	}))

	var pf *api.PermanentFailureError
	if !errors.As(err, &pf) || pf.Kind != api.KindPermanentRecoverable {
		t.Fatalf("expected permanent authorization failure, got %v", err)
	}
	if refreshes != 1 || calls != 2 {
		t.Fatalf("expected 1 refresh and 2 calls, got %d and %d", refreshes, calls)
	}
	if api.ErrorTypeOf(err) != api.ErrorTypeAuthorization {
		t.Fatalf("unexpected error type %q", api.ErrorTypeOf(err))
	}
}

func TestExecutor_RefreshDoesNotAdvanceBackoff(t *testing.T) {
	ex, rec := newTestExecutor(DefaultPolicy())

	calls := 0
	err := ex.Do(context.Background(), "mailbox.apply", func(ctx context.Context) error {
		calls++
		switch calls {
		case 1:
			return &api.HTTPStatusError{Code: http.StatusUnauthorized}
		case 2:
			return &api.HTTPStatusError{Code: http.StatusServiceUnavailable}
		}
		return nil
	}, WithRefresh(func(ctx context.Context) error { return nil }))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if got := rec.recorded(); !slices.Equal(got, []time.Duration{2 * time.Second}) {
		t.Fatalf("expected a single base delay, got %v", got)
	}
}

func TestExecutor_RefreshOnLastAttempt(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		ex, rec := newTestExecutor(DefaultPolicy())

		calls := 0
		err := ex.Do(context.Background(), "mailbox.apply", func(ctx context.Context) error {
			calls++
			switch calls {
			case 1, 2:
				return &api.HTTPStatusError{Code: http.StatusBadGateway}
			case 3:
				return &api.HTTPStatusError{Code: http.StatusUnauthorized}
			}
			return nil
		}, WithRefresh(func(ctx context.Context) error { return nil }))
		if err != nil {
			t.Fatalf("expected success after refresh on the last attempt, got %v", err)
		}
		if calls != 4 {
			t.Fatalf("expected 4 calls, got %d", calls)
		}
		if got := rec.recorded(); !slices.Equal(got, []time.Duration{2 * time.Second, 4 * time.Second}) {
			t.Fatalf("unexpected delays %v", got)
		}
	})

	t.Run("auth fails again", func(t *testing.T) {
		ex, _ := newTestExecutor(DefaultPolicy())

		calls := 0
		err := ex.Do(context.Background(), "mailbox.apply", func(ctx context.Context) error {
			calls++
			if calls <= 2 {
				return &api.HTTPStatusError{Code: http.StatusBadGateway}
			}
			return &api.HTTPStatusError{Code: http.StatusUnauthorized}
		}, WithRefresh(func(ctx context.Context) error { return nil }))

		var pf *api.PermanentFailureError
		if !errors.As(err, &pf) || pf.Kind != api.KindPermanentRecoverable {
			t.Fatalf("expected permanent authorization failure, got %v", err)
		}
		var re *api.RetriesExhaustedError
		if errors.As(err, &re) {
			t.Fatalf("auth failure reported as exhaustion: %v", err)
		}
		if calls != 4 {
			t.Fatalf("expected 4 calls, got %d", calls)
		}
	})
}

func TestExecutor_AuthWithoutRefreshHook(t *testing.T) {
	ex, _ := newTestExecutor(DefaultPolicy())

	calls := 0
	err := ex.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return &api.HTTPStatusError{Code: http.StatusUnauthorized}
	})
	var pf *api.PermanentFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("expected PermanentFailureError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecutor_SoftTimeoutIsTransient(t *testing.T) {
	obs := &retryObserver{}
	ex, _ := newTestExecutor(Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}, WithObserver(obs))

	var mu sync.Mutex
	calls := 0
	v, err := Value(context.Background(), ex, "slow", func(ctx context.Context) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// Ignores its context on purpose.
			time.Sleep(200 * time.Millisecond)
			return "stale", nil
		}
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("expected success on second attempt, got %v", err)
	}
	if v != "fresh" {
		t.Fatalf("expected result of the second attempt, got %q", v)
	}
	if len(obs.attempts) != 1 || obs.attempts[0].ErrorClass != api.KindTransient {
		t.Fatalf("expected one transient retry, got %+v", obs.attempts)
	}
	if !errors.Is(obs.attempts[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout to wrap DeadlineExceeded, got %v", obs.attempts[0].Err)
	}
}

func TestExecutor_ParentCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := New(DefaultPolicy(), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := ex.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecutor_ObserverGetsInstanceID(t *testing.T) {
	obs := &retryObserver{}
	ex, _ := newTestExecutor(DefaultPolicy(), WithObserver(obs))

	ctx := api.WithInstanceID(context.Background(), "inst-42")
	calls := 0
	_ = ex.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if len(obs.attempts) != 1 || obs.attempts[0].InstanceID != "inst-42" {
		t.Fatalf("expected retry record for inst-42, got %+v", obs.attempts)
	}
}

func TestExecutor_LimiterRespectsDeadline(t *testing.T) {
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	ex, _ := newTestExecutor(DefaultPolicy(), WithLimiter(lim))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := ex.Do(ctx, "limited", func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("expected limiter error")
	}
	var exhausted *api.RetriesExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatalf("expected limiter to stop the call before exhaustion, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call before the limiter blocked, got %d", calls)
	}
}
