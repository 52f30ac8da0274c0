package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler re-checks due-ness on a cron schedule for long-running processes.
// Each tick calls Runner.Run, which is a no-op unless the gate reports due.
//
// Common schedules:
//   - "@hourly"      - top of every hour
//   - "*/15 * * * *" - every 15 minutes
//   - "0 3 * * *"    - daily at 3 AM
type Scheduler struct {
	runner   *Runner
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	last    Result

	// onTick is invoked after every tick (tests only).
	onTick func(Result)
}

// NewScheduler creates a scheduler that ticks runner on schedule.
func NewScheduler(runner *Runner, schedule string, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		logger:   logger.With().Str("component", "maintenance.scheduler").Logger(),
	}
}

// Start validates the schedule and begins ticking until ctx is done or Stop
// is called. A stopped scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	c.Start()
	s.cron = c
	s.running = true
	done := make(chan struct{})
	s.done = done

	s.logger.Info().
		Str("schedule", s.schedule).
		Str("frequency", s.runner.Gate().Frequency().String()).
		Msg("maintenance scheduler started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	return nil
}

// Tick runs one scheduled check.
func (s *Scheduler) Tick(ctx context.Context) Result {
	res := s.runner.Run(ctx)

	s.mu.Lock()
	s.last = res
	hook := s.onTick
	s.mu.Unlock()

	if res.Status != StatusSkipped {
		s.logger.Info().Str("status", res.Status.String()).Msg("scheduled maintenance finished")
	}
	if hook != nil {
		hook(res)
	}
	return res
}

// Stop stops the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	close(s.done)
	s.mu.Unlock()

	// Tick takes s.mu, so wait for it outside the lock.
	<-c.Stop().Done()
	s.logger.Info().Msg("maintenance scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// NextRun returns the next scheduled check, or nil when not started.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	entries := c.Entries()
	if len(entries) == 0 {
		return nil
	}

	next := entries[0].Next
	return &next
}

// LastResult returns the result of the most recent tick.
func (s *Scheduler) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}
