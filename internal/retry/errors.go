package retry

import (
	"context"
	"errors"
	"fmt"
)

// Outcome is the tagged result of one remote call attempt.
type Outcome int

const (
	// OutcomeSuccess indicates the call succeeded
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited indicates the remote side rejected the call for exceeding its quota
	OutcomeRateLimited
	// OutcomeTransient indicates a failure worth retrying (server error, network hiccup)
	OutcomeTransient
	// OutcomeFatal indicates a failure that must not be retried
	OutcomeFatal
)

// String returns a human-readable name for an Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrRateLimited is returned (or wrapped) by an operation when the remote side
// explicitly rejected the call as rate limited.
var ErrRateLimited = errors.New("rate limited by remote")

// Taxonomy of failures surfaced by Execute. Match with errors.Is.
var (
	ErrRateLimitExhausted = errors.New("rate limit exhausted")
	ErrTransientFailure   = errors.New("transient operation failure")
	ErrFatalFailure       = errors.New("fatal operation failure")
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be at least 1")
)

// TransientError marks an operation failure as retryable.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err (which may be nil) as a retryable failure.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// FatalError marks an operation failure as not retryable. Any error that is
// neither rate limited nor transient is already treated as fatal; FatalError
// exists so collaborators can attach a reason explicitly.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err (which may be nil) as a non-retryable failure.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// ClassifyError maps an operation's error to its Outcome.
//
// Classification is by type, never by message: ErrRateLimited (wrapped or
// not) is a rate limit, *TransientError is transient, everything else
// (including *FatalError and unknown errors) is fatal so that unexpected
// failures are never retried indefinitely.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return OutcomeFatal
	}

	if errors.Is(err, ErrRateLimited) {
		return OutcomeRateLimited
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return OutcomeTransient
	}

	return OutcomeFatal
}

// OperationError is the classified failure returned by Execute.
type OperationError struct {
	// Outcome of the final attempt: OutcomeRateLimited, OutcomeTransient or OutcomeFatal.
	Outcome Outcome

	// Attempts is the number of attempts made.
	Attempts int

	// Err is the error reported by the final attempt.
	Err error
}

func (e *OperationError) Error() string {
	switch e.Outcome {
	case OutcomeRateLimited:
		return fmt.Sprintf("rate limit exhausted after %d attempts: %v", e.Attempts, e.Err)
	case OutcomeTransient:
		return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
	default:
		return fmt.Sprintf("operation failed: %v", e.Err)
	}
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is lets callers match the taxonomy sentinels with errors.Is.
func (e *OperationError) Is(target error) bool {
	switch target {
	case ErrRateLimitExhausted:
		return e.Outcome == OutcomeRateLimited
	case ErrTransientFailure:
		return e.Outcome == OutcomeTransient
	case ErrFatalFailure:
		return e.Outcome == OutcomeFatal
	}
	return false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
