package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/rescale-pacer/internal/clock"
	"github.com/rescale/rescale-pacer/internal/config"
)

// Step names, in execution order.
const (
	StepLogCleanup          = "log_cleanup"
	StepOrphanedTaskCleanup = "orphaned_task_cleanup"
)

// ErrMissingCollaborator is returned by NewRunner when an enabled step has no
// collaborator to run it.
var ErrMissingCollaborator = errors.New("maintenance step enabled without a collaborator")

// LogCleaner deletes old session logs.
type LogCleaner interface {
	RunLogCleanup(ctx context.Context, retentionDays, maxSessionFilesPerDay int) error
}

// LogCleanerFunc adapts a function to LogCleaner.
type LogCleanerFunc func(ctx context.Context, retentionDays, maxSessionFilesPerDay int) error

func (f LogCleanerFunc) RunLogCleanup(ctx context.Context, retentionDays, maxSessionFilesPerDay int) error {
	return f(ctx, retentionDays, maxSessionFilesPerDay)
}

// OrphanedTaskCleaner removes background tasks whose owner is gone.
type OrphanedTaskCleaner interface {
	RunOrphanedTaskCleanup(ctx context.Context) error
}

// OrphanedTaskCleanerFunc adapts a function to OrphanedTaskCleaner.
type OrphanedTaskCleanerFunc func(ctx context.Context) error

func (f OrphanedTaskCleanerFunc) RunOrphanedTaskCleanup(ctx context.Context) error {
	return f(ctx)
}

// LastRunPersister stores the last run durably. *config.FileProvider
// implements it.
type LastRunPersister interface {
	PersistLastRun(t time.Time) error
}

// PersisterFunc adapts a function to LastRunPersister.
type PersisterFunc func(t time.Time) error

func (f PersisterFunc) PersistLastRun(t time.Time) error {
	return f(t)
}

// Status is the overall outcome of a maintenance run.
type Status int

const (
	// StatusSkipped means no step ran (not due, or a run was already active).
	StatusSkipped Status = iota
	// StatusSucceeded means every enabled step succeeded.
	StatusSucceeded
	// StatusPartiallyFailed means at least one enabled step failed.
	StatusPartiallyFailed
	// StatusFailed means the run was cancelled before it completed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusSucceeded:
		return "succeeded"
	case StatusPartiallyFailed:
		return "partially_failed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StepFailure is a failed maintenance step. It is collected on the Result,
// never returned on its own.
type StepFailure struct {
	Step   string
	Reason string
}

func (f StepFailure) Error() string {
	return f.Step + ": " + f.Reason
}

// Result describes one maintenance run.
type Result struct {
	Status Status

	// Reason explains a Skipped or Failed status.
	Reason string

	// Executed lists the steps that ran, in order.
	Executed []string

	// Disabled lists the steps skipped by configuration.
	Disabled []string

	// Failures lists failed steps, in order.
	Failures []StepFailure

	StartedAt  time.Time
	FinishedAt time.Time

	// Advanced is true when lastRun was moved to StartedAt.
	Advanced bool

	// PersistErr is set when the new lastRun could not be stored. The run
	// still counts as complete for this process.
	PersistErr error
}

// Summary is a one-line human-readable description of r.
func (r Result) Summary() string {
	switch r.Status {
	case StatusSkipped, StatusFailed:
		return fmt.Sprintf("%s: %s", r.Status, r.Reason)
	case StatusPartiallyFailed:
		parts := make([]string, len(r.Failures))
		for i, f := range r.Failures {
			parts[i] = f.Error()
		}
		return fmt.Sprintf("%s: %s", r.Status, strings.Join(parts, "; "))
	default:
		return fmt.Sprintf("%s (%d steps in %s)", r.Status, len(r.Executed), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
}

// Runner runs the enabled cleanup steps when the gate admits it.
type Runner struct {
	cfg       config.MaintenanceConfig
	gate      *Gate
	logs      LogCleaner
	orphans   OrphanedTaskCleaner
	persister LastRunPersister
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *Metrics

	running sync.Mutex
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogCleaner sets the log cleanup collaborator.
func WithLogCleaner(c LogCleaner) Option {
	return func(r *Runner) { r.logs = c }
}

// WithOrphanedTaskCleaner sets the orphaned task cleanup collaborator.
func WithOrphanedTaskCleaner(c OrphanedTaskCleaner) Option {
	return func(r *Runner) { r.orphans = c }
}

// WithPersister sets where the advanced lastRun is stored. Without one the
// new lastRun lives only in memory.
func WithPersister(p LastRunPersister) Option {
	return func(r *Runner) { r.persister = p }
}

// WithClock sets the clock. Defaults to the gate's clock.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner for cfg, admitted by gate.
func NewRunner(cfg config.MaintenanceConfig, gate *Gate, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		gate:   gate,
		clock:  gate.clock,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.EnableLogCleanup && r.logs == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingCollaborator, StepLogCleanup)
	}
	if cfg.EnableOrphanedTaskCleanup && r.orphans == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingCollaborator, StepOrphanedTaskCleanup)
	}

	r.logger = r.logger.With().Str("component", "maintenance").Logger()
	return r, nil
}

// Gate returns the runner's gate.
func (r *Runner) Gate() *Gate {
	return r.gate
}

// Run runs maintenance if the gate reports it due.
func (r *Runner) Run(ctx context.Context) Result {
	return r.run(ctx, false)
}

// RunForced runs maintenance regardless of the gate.
func (r *Runner) RunForced(ctx context.Context) Result {
	return r.run(ctx, true)
}

func (r *Runner) run(ctx context.Context, force bool) Result {
	started := r.clock.Now()
	res := Result{StartedAt: started}

	if !r.running.TryLock() {
		return r.finish(res, StatusSkipped, "already running")
	}
	defer r.running.Unlock()

	// Checked under the lock so a pass that just finished is seen.
	if !force && !r.gate.IsDue(started) {
		return r.finish(res, StatusSkipped, "not due")
	}

	r.logger.Info().
		Str("frequency", r.gate.Frequency().String()).
		Bool("forced", force).
		Msg("starting maintenance")

	steps := []struct {
		name    string
		enabled bool
		run     func(context.Context) error
	}{
		{
			name:    StepLogCleanup,
			enabled: r.cfg.EnableLogCleanup,
			run: func(ctx context.Context) error {
				return r.logs.RunLogCleanup(ctx, r.cfg.RetentionDays, r.cfg.MaxSessionFilesPerDay)
			},
		},
		{
			name:    StepOrphanedTaskCleanup,
			enabled: r.cfg.EnableOrphanedTaskCleanup,
			run:     func(ctx context.Context) error { return r.orphans.RunOrphanedTaskCleanup(ctx) },
		},
	}

	for _, step := range steps {
		if !step.enabled {
			res.Disabled = append(res.Disabled, step.name)
			r.logger.Debug().Str("step", step.name).Msg("step disabled")
			continue
		}

		if err := ctx.Err(); err != nil {
			return r.finish(res, StatusFailed, fmt.Sprintf("cancelled before %s: %v", step.name, err))
		}

		err := step.run(ctx)
		res.Executed = append(res.Executed, step.name)

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return r.finish(res, StatusFailed, fmt.Sprintf("cancelled during %s: %v", step.name, ctxErr))
			}
			res.Failures = append(res.Failures, StepFailure{Step: step.name, Reason: err.Error()})
			r.metrics.recordStepFailure(step.name)
			r.logger.Warn().Err(err).Str("step", step.name).Msg("maintenance step failed")
			continue
		}

		r.logger.Debug().Str("step", step.name).Msg("maintenance step succeeded")
	}

	// A partial failure still advances lastRun; the failed step is retried on
	// the next due date rather than on every start.
	r.gate.Advance(started)
	res.Advanced = true

	if r.persister != nil {
		if err := r.persister.PersistLastRun(started); err != nil {
			res.PersistErr = err
			r.logger.Warn().Err(err).Msg("failed to persist maintenance last run; maintenance may run again sooner than scheduled")
		}
	}

	status := StatusSucceeded
	if len(res.Failures) > 0 {
		status = StatusPartiallyFailed
	}
	return r.finish(res, status, "")
}

func (r *Runner) finish(res Result, status Status, reason string) Result {
	res.Status = status
	res.Reason = reason
	res.FinishedAt = r.clock.Now()

	r.metrics.recordRun(res)

	ev := r.logger.Info()
	switch status {
	case StatusSkipped:
		ev = r.logger.Debug()
	case StatusPartiallyFailed, StatusFailed:
		ev = r.logger.Warn()
	}
	ev.Str("status", status.String()).Msg(res.Summary())

	return res
}
