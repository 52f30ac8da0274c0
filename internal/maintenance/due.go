// Package maintenance decides when housekeeping is due and runs it.
//
// The decision is a pure function of (frequency, lastRun, now). Running is
// done by Runner, which invokes the cleanup collaborators in a fixed order and
// aggregates their outcomes into a Result.
package maintenance

import (
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-pacer/internal/clock"
	"github.com/rescale/rescale-pacer/internal/config"
)

// IsDue reports whether maintenance with the given frequency is due at now.
// A zero lastRun means maintenance has never run.
//
// Day, week and month boundaries are calendar boundaries in now's location,
// so a run at 23:59 followed by a check at 00:01 counts as a new day.
func IsDue(freq config.Frequency, lastRun, now time.Time) bool {
	if freq == config.EveryStartup || lastRun.IsZero() {
		return true
	}

	last := lastRun.In(now.Location())

	switch freq {
	case config.Daily:
		return calendarDays(last, now) > 0
	case config.Weekly:
		return calendarDays(last, now) >= 7
	case config.Monthly:
		ly, lm, _ := last.Date()
		ny, nm, _ := now.Date()
		return ly != ny || lm != nm
	default:
		// Unknown frequencies are rejected by config validation.
		return false
	}
}

// calendarDays returns the number of calendar dates from a to b. Dates are
// compared in UTC so DST transitions do not produce 23 or 25 hour days.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// Gate holds the maintenance frequency and the last run instant. The last run
// is replaced atomically, so IsDue and LastRun may be called from a monitoring
// goroutine while a run is in progress.
type Gate struct {
	freq    config.Frequency
	clock   clock.Clock
	lastRun atomic.Pointer[time.Time]
}

// NewGate creates a gate from a maintenance snapshot.
func NewGate(cfg config.MaintenanceConfig, c clock.Clock) *Gate {
	if c == nil {
		c = clock.New()
	}
	g := &Gate{freq: cfg.Frequency, clock: c}
	last := cfg.LastRun
	g.lastRun.Store(&last)
	return g
}

// Frequency returns the configured frequency.
func (g *Gate) Frequency() config.Frequency {
	return g.freq
}

// LastRun returns the last recorded run start, or the zero time for never.
func (g *Gate) LastRun() time.Time {
	return *g.lastRun.Load()
}

// IsDue reports whether maintenance is due at now. It has no side effects.
func (g *Gate) IsDue(now time.Time) bool {
	return IsDue(g.freq, g.LastRun(), now)
}

// Due is IsDue at the gate clock's current time.
func (g *Gate) Due() bool {
	return g.IsDue(g.clock.Now())
}

// Advance records t as the last run.
func (g *Gate) Advance(t time.Time) {
	g.lastRun.Store(&t)
}
