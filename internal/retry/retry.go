// Package retry runs one logical remote operation through the throttle gate,
// reacting to rate limit rejections and retrying transient failures.
package retry

import (
	"context"

	"github.com/rs/zerolog"
)

// Throttle is the admission control the coordinator consults before every
// attempt. *ratelimit.Gate implements it.
type Throttle interface {
	Acquire(ctx context.Context) error
	NotifyRateLimited()
}

// Operation performs a single remote call. Its error is classified with
// ClassifyError: wrap ErrRateLimited for quota rejections, return a
// *TransientError for retryable failures; anything else is fatal.
type Operation[T any] func(ctx context.Context) (T, error)

// Coordinator executes operations with throttle-aware pacing.
type Coordinator struct {
	throttle Throttle
	logger   zerolog.Logger
	metrics  *Metrics

	// OnRetry is invoked before each retry attempt (optional).
	OnRetry func(attempt int, err error, outcome Outcome)
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithOnRetry sets the retry callback.
func WithOnRetry(fn func(attempt int, err error, outcome Outcome)) Option {
	return func(c *Coordinator) { c.OnRetry = fn }
}

// NewCoordinator creates a coordinator gated by throttle.
func NewCoordinator(throttle Throttle, opts ...Option) *Coordinator {
	c := &Coordinator{
		throttle: throttle,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "retry").Logger()
	return c
}

// Execute runs op up to maxAttempts times.
//
// Retry strategy:
//   - Every attempt, including the first, is admitted by the throttle
//   - Rate limited: notify the throttle (which imposes the retry delay) and retry
//   - Transient: retry with the same throttle pacing, no extra backoff
//   - Fatal: return immediately without retry
//   - Context cancellation: return ctx.Err() immediately
//
// When attempts run out the returned *OperationError matches
// ErrRateLimitExhausted or ErrTransientFailure according to the last attempt.
// On success the throttle state is left exactly as the gate set it.
func Execute[T any](ctx context.Context, c *Coordinator, maxAttempts int, op Operation[T]) (T, error) {
	var zero T

	if maxAttempts < 1 {
		return zero, ErrInvalidMaxAttempts
	}

	var (
		lastErr     error
		lastOutcome Outcome
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.throttle.Acquire(ctx); err != nil {
			c.metrics.recordResult("cancelled")
			return zero, err
		}

		result, err := op(ctx)
		outcome := ClassifyError(err)
		c.metrics.recordAttempt(outcome)

		if outcome == OutcomeSuccess {
			c.metrics.recordResult("success")
			return result, nil
		}

		// The caller gave up; the failure is a consequence, not a verdict on the remote.
		if ctxErr := ctx.Err(); ctxErr != nil && isContextError(err) {
			c.metrics.recordResult("cancelled")
			return zero, ctxErr
		}

		lastErr, lastOutcome = err, outcome

		switch outcome {
		case OutcomeFatal:
			c.metrics.recordResult("fatal")
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("fatal failure, not retrying")
			return zero, &OperationError{Outcome: OutcomeFatal, Attempts: attempt, Err: err}

		case OutcomeRateLimited:
			c.throttle.NotifyRateLimited()
		}

		if attempt < maxAttempts {
			c.logger.Warn().
				Err(err).
				Str("outcome", outcome.String()).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Msg("attempt failed, retrying")
			if c.OnRetry != nil {
				c.OnRetry(attempt+1, err, outcome)
			}
		}
	}

	opErr := &OperationError{Outcome: lastOutcome, Attempts: maxAttempts, Err: lastErr}
	if lastOutcome == OutcomeRateLimited {
		c.metrics.recordResult("rate_limit_exhausted")
	} else {
		c.metrics.recordResult("transient_exhausted")
	}
	c.logger.Error().Err(opErr).Msg("giving up")
	return zero, opErr
}

// Run is Execute for operations without a payload.
func (c *Coordinator) Run(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, c, maxAttempts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
