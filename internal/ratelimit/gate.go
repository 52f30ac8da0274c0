package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/rescale-pacer/internal/clock"
	"github.com/rescale/rescale-pacer/internal/config"
)

// State is the throttle's mutable pacing state. It is owned by Gate and only
// changed while Gate.mu is held.
type State struct {
	// LastRequestTime is the most recent admission instant. Admissions are
	// reserved, so this may lie slightly in the future while a caller waits.
	LastRequestTime time.Time

	// WindowStart is when the current counting window opened. Zero means no
	// window is open.
	WindowStart time.Time

	// RequestsInWindow counts admissions in the current window.
	RequestsInWindow int

	// CooldownUntil blocks admissions until this instant. Zero means none.
	CooldownUntil time.Time
}

// Stats is a point-in-time copy of the gate's state plus lifetime totals.
type Stats struct {
	State
	Admissions         uint64
	CooldownsTriggered uint64
	RateLimitSignals   uint64
}

// Admission describes one granted admission.
type Admission struct {
	// At is the instant the caller is admitted.
	At time.Time

	// Wait is how long the caller sleeps before At.
	Wait time.Duration

	// Count is RequestsInWindow including this admission, before any reset.
	Count int

	// CooldownScheduled is true when this admission reached the threshold.
	CooldownScheduled bool
}

// Gate admits call attempts so that consecutive admissions are at least
// Interval apart and no more than CountThreshold admissions happen in one
// window before a Cooldown pause.
//
// The admission instant is decided and committed under the lock; the caller
// then sleeps outside it. A caller whose wait is cancelled has still consumed
// its slot, so shared state never depends on whether a waiter gives up.
type Gate struct {
	cfg     config.ThrottleConfig
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics

	mu         sync.Mutex
	state      State
	admissions uint64
	cooldowns  uint64
	signals    uint64
	lastNotice time.Time

	// observe is invoked under the lock for every paced admission (tests only).
	observe func(Admission)
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock sets the clock. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a gate for cfg. The config is validated; an invalid config
// is a programming error upstream, so it is returned rather than corrected.
func NewGate(cfg config.ThrottleConfig, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gate{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "throttle").Logger()
	return g, nil
}

// Config returns the snapshot the gate was built with.
func (g *Gate) Config() config.ThrottleConfig {
	return g.cfg
}

// Acquire blocks until the caller is admitted or ctx is done.
// Returns ctx.Err() if the wait was cancelled; the gate itself never fails.
// A disabled gate skips pacing but still waits out a NotifyRateLimited backoff.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var adm Admission
	if g.cfg.Enabled {
		adm = g.reserve()
	} else {
		adm = g.reserveUnpaced()
	}
	g.metrics.recordAdmission(adm.Wait)
	if adm.CooldownScheduled {
		g.metrics.recordCooldown()
	}

	if adm.Wait <= 0 {
		return nil
	}

	g.noticeWait(adm.Wait)
	return g.clock.Sleep(ctx, adm.Wait)
}

// reserve decides the caller's admission instant and commits it.
func (g *Gate) reserve() Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	at := now
	s := &g.state

	if !s.CooldownUntil.IsZero() {
		if at.Before(s.CooldownUntil) {
			at = s.CooldownUntil
		}
		s.CooldownUntil = time.Time{}
	}

	if !s.LastRequestTime.IsZero() {
		if next := s.LastRequestTime.Add(g.cfg.Interval()); at.Before(next) {
			at = next
		}
	}

	if s.WindowStart.IsZero() || !at.Before(s.WindowStart.Add(g.cfg.Window())) {
		s.WindowStart = at
		s.RequestsInWindow = 1
	} else {
		s.RequestsInWindow++
	}

	adm := Admission{
		At:    at,
		Wait:  at.Sub(now),
		Count: s.RequestsInWindow,
	}

	// The caller that reaches the threshold is still admitted; the next one
	// pays the cooldown.
	if s.RequestsInWindow >= g.cfg.CountThreshold {
		s.CooldownUntil = at.Add(g.cfg.Cooldown())
		s.RequestsInWindow = 0
		s.WindowStart = time.Time{}
		adm.CooldownScheduled = true
		g.cooldowns++
		g.logger.Info().
			Int("threshold", g.cfg.CountThreshold).
			Dur("cooldown", g.cfg.Cooldown()).
			Time("until", s.CooldownUntil).
			Msg("request threshold reached, cooling down")
	}

	s.LastRequestTime = at
	g.admissions++

	if g.observe != nil {
		g.observe(adm)
	}
	return adm
}

// reserveUnpaced admits a caller of a disabled gate. Interval and threshold
// pacing are off, but a pending server backoff is still honored so that a
// rate limited retry never fires immediately.
func (g *Gate) reserveUnpaced() Admission {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	at := now
	if !g.state.CooldownUntil.IsZero() {
		if at.Before(g.state.CooldownUntil) {
			at = g.state.CooldownUntil
		}
		g.state.CooldownUntil = time.Time{}
	}
	g.state.LastRequestTime = at
	g.admissions++

	return Admission{At: at, Wait: at.Sub(now)}
}

// NotifyRateLimited records an explicit rate limit rejection from the remote
// side. The cooldown is set to now + RetryDelay, replacing any cooldown
// already pending whether it was longer or shorter: the server's signal takes
// precedence over the local threshold.
func (g *Gate) NotifyRateLimited() {
	g.mu.Lock()
	now := g.clock.Now()
	until := now.Add(g.cfg.RetryDelay())
	g.state.CooldownUntil = until
	g.signals++
	g.mu.Unlock()

	g.metrics.recordRateLimitSignal()
	g.logger.Warn().
		Dur("retry_delay", g.cfg.RetryDelay()).
		Time("until", until).
		Msg("server reported rate limit, backing off")
}

// CooldownRemaining returns how long until the pending cooldown ends, or 0.
func (g *Gate) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.CooldownUntil.IsZero() {
		return 0
	}
	if d := g.state.CooldownUntil.Sub(g.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Stats returns a snapshot of the gate's state and totals.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Stats{
		State:              g.state,
		Admissions:         g.admissions,
		CooldownsTriggered: g.cooldowns,
		RateLimitSignals:   g.signals,
	}
}

// noticeWait logs long waits, at most once per NotifyMinInterval.
func (g *Gate) noticeWait(wait time.Duration) {
	if wait <= LongWaitThreshold {
		g.logger.Debug().Dur("wait", wait).Msg("pacing request")
		return
	}

	g.mu.Lock()
	now := g.clock.Now()
	emit := g.lastNotice.IsZero() || now.Sub(g.lastNotice) >= NotifyMinInterval
	if emit {
		g.lastNotice = now
	}
	g.mu.Unlock()

	if emit {
		g.logger.Info().Msgf("rate limited: waiting ~%.1fs for API capacity", wait.Seconds())
	}
}
