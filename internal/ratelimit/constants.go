// Package ratelimit paces outbound API calls with a fixed minimum interval,
// a per-window request threshold with cooldown, and a backoff imposed when
// the server reports a rate limit rejection.
package ratelimit

import "time"

// Visibility thresholds for wait notices.
//
// Short waits are normal pacing and stay at debug level. Waits longer than
// LongWaitThreshold are reported at info level, but no more often than
// NotifyMinInterval so a sustained cooldown does not flood the log.
const (
	// LongWaitThreshold is the wait above which a notice is emitted.
	LongWaitThreshold = 2 * time.Second

	// NotifyMinInterval is the minimum time between consecutive notices.
	NotifyMinInterval = 10 * time.Second
)

// Rescale API throttle reference
//
// The user scope allows 7200 requests/hour (2 req/sec). The default pacing
// interval of 600ms keeps one process at 6000/hour, and the per-minute
// threshold of 100 stops a burst well before the hourly quota. A 429 from
// the server still overrides both through NotifyRateLimited.
const (
	// UserScopeLimitPerHour is the server-side quota the defaults are sized for.
	UserScopeLimitPerHour = 7200
)
