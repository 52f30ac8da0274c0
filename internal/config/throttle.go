package config

import (
	"errors"
	"time"
)

// Throttle defaults. Chosen to keep a single process well under a
// 7200/hour server quota (600ms spacing = 6000/hour) with a hard stop
// after 100 calls a minute.
const (
	DefaultThrottleEnabled = true
	DefaultIntervalMs      = 600
	DefaultCountThreshold  = 100
	DefaultWindowMs        = 60_000
	DefaultCooldownMs      = 30_000
	DefaultRetryDelayMs    = 60_000
	DefaultMaxAttempts     = 3
)

// ThrottleConfig validation errors
var (
	ErrInvalidInterval       = errors.New("interval_ms must be greater than 0")
	ErrInvalidCountThreshold = errors.New("count_threshold must be greater than 0")
	ErrInvalidWindow         = errors.New("window_ms must be greater than 0")
	ErrInvalidCooldown       = errors.New("cooldown_ms must not be negative")
	ErrInvalidRetryDelay     = errors.New("retry_delay_ms must not be negative")
	ErrInvalidMaxAttempts    = errors.New("max_attempts must be at least 1")
)

// ThrottleConfig is the immutable request pacing snapshot handed to the
// throttle gate and retry coordinator at construction.
type ThrottleConfig struct {
	// Enabled turns pacing on. When false every admission is immediate.
	Enabled bool `ini:"enabled"`

	// IntervalMs is the minimum spacing between consecutive admissions.
	IntervalMs int64 `ini:"interval_ms"`

	// CountThreshold is the number of admissions allowed in one window
	// before a cooldown is scheduled.
	CountThreshold int `ini:"count_threshold"`

	// WindowMs is the length of the counting window.
	WindowMs int64 `ini:"window_ms"`

	// CooldownMs is the pause imposed once CountThreshold is reached.
	CooldownMs int64 `ini:"cooldown_ms"`

	// RetryDelayMs is the pause imposed after the remote side reports a
	// rate limit rejection.
	RetryDelayMs int64 `ini:"retry_delay_ms"`

	// MaxAttempts bounds how many times one logical operation is attempted.
	MaxAttempts int `ini:"max_attempts"`
}

// NewThrottleConfig returns a ThrottleConfig populated with defaults.
func NewThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Enabled:        DefaultThrottleEnabled,
		IntervalMs:     DefaultIntervalMs,
		CountThreshold: DefaultCountThreshold,
		WindowMs:       DefaultWindowMs,
		CooldownMs:     DefaultCooldownMs,
		RetryDelayMs:   DefaultRetryDelayMs,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// Validate checks every field against its constraint. Values are validated
// even when the throttle is disabled so a bad file is caught before it is
// switched on.
func (c ThrottleConfig) Validate() error {
	switch {
	case c.IntervalMs <= 0:
		return ErrInvalidInterval
	case c.CountThreshold <= 0:
		return ErrInvalidCountThreshold
	case c.WindowMs <= 0:
		return ErrInvalidWindow
	case c.CooldownMs < 0:
		return ErrInvalidCooldown
	case c.RetryDelayMs < 0:
		return ErrInvalidRetryDelay
	case c.MaxAttempts < 1:
		return ErrInvalidMaxAttempts
	}
	return nil
}

// Interval returns IntervalMs as a duration.
func (c ThrottleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Window returns WindowMs as a duration.
func (c ThrottleConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// Cooldown returns CooldownMs as a duration.
func (c ThrottleConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// RetryDelay returns RetryDelayMs as a duration.
func (c ThrottleConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}
