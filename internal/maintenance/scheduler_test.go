package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-pacer/internal/clock"
)

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	fake := clock.NewFake(date(2024, 1, 10, 9, 0))
	r := newTestRunner(t, testConfig(), fake, &recorder{})

	s := NewScheduler(r, "not a cron spec", zerolog.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron schedule")
	assert.False(t, s.IsRunning())
}

func TestSchedulerStartStop(t *testing.T) {
	fake := clock.NewFake(date(2024, 1, 10, 9, 0))
	r := newTestRunner(t, testConfig(), fake, &recorder{})

	s := NewScheduler(r, "@hourly", zerolog.Nop())
	assert.Nil(t, s.NextRun())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())

	next := s.NextRun()
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now().Add(-time.Second)))

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop() // idempotent
}

func TestSchedulerRestartSchedulesOnce(t *testing.T) {
	fake := clock.NewFake(date(2024, 1, 10, 9, 0))
	r := newTestRunner(t, testConfig(), fake, &recorder{})
	s := NewScheduler(r, "@hourly", zerolog.Nop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	require.NoError(t, s.Start(firstCtx))
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.True(t, s.IsRunning())
	assert.Len(t, s.cron.Entries(), 1)

	// The first start's context no longer controls the scheduler.
	cancelFirst()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.IsRunning())
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	fake := clock.NewFake(date(2024, 1, 10, 9, 0))
	r := newTestRunner(t, testConfig(), fake, &recorder{})

	s := NewScheduler(r, "*/5 * * * *", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 10*time.Millisecond)
}

// TestSchedulerTickOnlyRunsWhenDue verifies ticks are no-ops until the gate
// reports due again.
func TestSchedulerTickOnlyRunsWhenDue(t *testing.T) {
	fake := clock.NewFake(date(2024, 1, 10, 9, 0))
	rec := &recorder{}
	r := newTestRunner(t, testConfig(), fake, rec)

	var ticks []Status
	s := NewScheduler(r, "@hourly", zerolog.Nop())
	s.onTick = func(res Result) { ticks = append(ticks, res.Status) }

	ctx := context.Background()
	s.Tick(ctx)
	fake.Advance(time.Hour)
	s.Tick(ctx)
	fake.Advance(23 * time.Hour)
	s.Tick(ctx)

	assert.Equal(t, []Status{StatusSucceeded, StatusSkipped, StatusSucceeded}, ticks)
	assert.Len(t, rec.calls, 4)
	assert.Equal(t, StatusSucceeded, s.LastResult().Status)
}
