package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-pacer/internal/clock"
	"github.com/rescale/rescale-pacer/internal/config"
	"github.com/rescale/rescale-pacer/internal/ratelimit"
)

// countingThrottle records admissions and rate limit notifications.
type countingThrottle struct {
	acquires  int
	notifies  int
	acquireFn func(ctx context.Context) error
}

func (c *countingThrottle) Acquire(ctx context.Context) error {
	c.acquires++
	if c.acquireFn != nil {
		return c.acquireFn(ctx)
	}
	return ctx.Err()
}

func (c *countingThrottle) NotifyRateLimited() {
	c.notifies++
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	throttle := &countingThrottle{}
	c := NewCoordinator(throttle)

	got, err := Execute(context.Background(), c, 3, func(ctx context.Context) (string, error) {
		return "payload", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "payload", got)
	assert.Equal(t, 1, throttle.acquires)
	assert.Equal(t, 0, throttle.notifies)
}

func TestExecuteRateLimitedExhaustsAttempts(t *testing.T) {
	throttle := &countingThrottle{}
	c := NewCoordinator(throttle)

	calls := 0
	_, err := Execute(context.Background(), c, 3, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("GET /jobs: %w", ErrRateLimited)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.NotErrorIs(t, err, ErrTransientFailure)
	assert.Equal(t, 3, calls, "no fourth attempt")
	assert.Equal(t, 3, throttle.acquires)
	assert.Equal(t, 3, throttle.notifies)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 3, opErr.Attempts)
	assert.Contains(t, err.Error(), "rate limit exhausted after 3 attempts")
}

func TestExecuteRecoversAfterRateLimit(t *testing.T) {
	throttle := &countingThrottle{}
	c := NewCoordinator(throttle)

	calls := 0
	got, err := Execute(context.Background(), c, 3, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, ErrRateLimited
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, throttle.acquires)
	assert.Equal(t, 1, throttle.notifies)
}

func TestExecuteTransientRetriesThenSurfaces(t *testing.T) {
	throttle := &countingThrottle{}
	var retries []int
	c := NewCoordinator(throttle, WithOnRetry(func(attempt int, err error, outcome Outcome) {
		assert.Equal(t, OutcomeTransient, outcome)
		retries = append(retries, attempt)
	}))

	calls := 0
	_, err := Execute(context.Background(), c, 4, func(ctx context.Context) (int, error) {
		calls++
		return 0, Transient("server returned 503", nil)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientFailure)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 0, throttle.notifies, "transient failures are not rate limit signals")
	assert.Equal(t, []int{2, 3, 4}, retries)
	assert.Contains(t, err.Error(), "server returned 503")
}

func TestExecuteFatalIsNeverRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "explicit fatal", err: Fatal("404 not found", nil)},
		{name: "unclassified error", err: errors.New("boom")},
		{name: "fatal wrapping a rate limit", err: Fatal("quota permanently revoked", ErrRateLimited)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			throttle := &countingThrottle{}
			c := NewCoordinator(throttle)

			calls := 0
			_, err := Execute(context.Background(), c, 5, func(ctx context.Context) (int, error) {
				calls++
				return 0, tt.err
			})

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFatalFailure)
			assert.Equal(t, 1, calls)
			assert.Equal(t, 0, throttle.notifies)
		})
	}
}

func TestExecuteRequiresExplicitAttempts(t *testing.T) {
	c := NewCoordinator(&countingThrottle{})

	_, err := Execute(context.Background(), c, 0, func(ctx context.Context) (int, error) {
		t.Fatal("operation must not run")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
}

func TestExecuteCancelledDuringAcquire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	throttle := &countingThrottle{}
	throttle.acquireFn = func(ctx context.Context) error {
		if throttle.acquires == 2 {
			cancel()
		}
		return ctx.Err()
	}
	c := NewCoordinator(throttle)

	calls := 0
	_, err := Execute(ctx, c, 5, func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrRateLimited
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecuteOperationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(&countingThrottle{})

	_, err := Execute(ctx, c, 5, func(ctx context.Context) (int, error) {
		cancel()
		return 0, fmt.Errorf("request aborted: %w", ctx.Err())
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrFatalFailure)
}

func TestRunWithoutPayload(t *testing.T) {
	c := NewCoordinator(&countingThrottle{})

	calls := 0
	err := c.Run(context.Background(), 2, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transient("connection reset", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{ErrRateLimited, OutcomeRateLimited},
		{fmt.Errorf("wrapped: %w", ErrRateLimited), OutcomeRateLimited},
		{Transient("timeout", nil), OutcomeTransient},
		{fmt.Errorf("wrapped: %w", Transient("", errors.New("eof"))), OutcomeTransient},
		{Fatal("bad request", nil), OutcomeFatal},
		{errors.New("something unexpected"), OutcomeFatal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}

// TestExecuteWithGateAdmissions verifies the end-to-end contract against the
// real throttle gate: three rate limited attempts mean three admissions, each
// retry delayed by at least the retry delay.
func TestExecuteWithGateAdmissions(t *testing.T) {
	cfg := config.NewThrottleConfig()
	cfg.IntervalMs = 100
	cfg.RetryDelayMs = 1_500

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	gate, err := ratelimit.NewGate(cfg, ratelimit.WithClock(fake))
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(gate, WithMetrics(m))

	var attemptTimes []time.Time
	_, err = Execute(context.Background(), c, 3, func(ctx context.Context) (int, error) {
		attemptTimes = append(attemptTimes, fake.Now())
		return 0, ErrRateLimited
	})

	require.ErrorIs(t, err, ErrRateLimitExhausted)
	require.Len(t, attemptTimes, 3)
	assert.EqualValues(t, 3, gate.Stats().Admissions)
	for i := 1; i < len(attemptTimes); i++ {
		assert.GreaterOrEqual(t, attemptTimes[i].Sub(attemptTimes[i-1]), cfg.RetryDelay())
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.attempts.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("rate_limit_exhausted")))
}

// TestExecuteDisabledGateStillBacksOff verifies that turning pacing off does
// not turn off the retry delay after a rate limit rejection.
func TestExecuteDisabledGateStillBacksOff(t *testing.T) {
	cfg := config.NewThrottleConfig()
	cfg.Enabled = false
	cfg.RetryDelayMs = 1_500

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	gate, err := ratelimit.NewGate(cfg, ratelimit.WithClock(fake))
	require.NoError(t, err)

	c := NewCoordinator(gate)

	var attemptTimes []time.Time
	_, err = Execute(context.Background(), c, 3, func(ctx context.Context) (int, error) {
		attemptTimes = append(attemptTimes, fake.Now())
		return 0, ErrRateLimited
	})

	require.ErrorIs(t, err, ErrRateLimitExhausted)
	require.Len(t, attemptTimes, 3)
	assert.True(t, attemptTimes[0].Equal(start), "first attempt is not paced")
	for i := 1; i < len(attemptTimes); i++ {
		assert.GreaterOrEqual(t, attemptTimes[i].Sub(attemptTimes[i-1]), cfg.RetryDelay())
	}
	assert.Equal(t, []time.Duration{cfg.RetryDelay(), cfg.RetryDelay()}, fake.Sleeps())
}
