// Package core wires one configuration snapshot into the throttle gate, the
// retry coordinator and the maintenance components.
package core

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rescale/rescale-pacer/internal/clock"
	"github.com/rescale/rescale-pacer/internal/config"
	"github.com/rescale/rescale-pacer/internal/logcleanup"
	"github.com/rescale/rescale-pacer/internal/maintenance"
	"github.com/rescale/rescale-pacer/internal/ratelimit"
	"github.com/rescale/rescale-pacer/internal/retry"
	"github.com/rescale/rescale-pacer/internal/tasks"
)

// Deps are the engine's external collaborators. Zero values select defaults.
type Deps struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to zerolog.Nop().
	Logger *zerolog.Logger

	// Registerer receives Prometheus metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	// LogCleaner defaults to a logcleanup.Cleaner over Maintenance.LogDir.
	LogCleaner maintenance.LogCleaner

	// CurrentLogFile is protected from the default log cleaner.
	CurrentLogFile string

	// OrphanedTaskCleaner defaults to a tasks.Registry over
	// Maintenance.TaskStateFile.
	OrphanedTaskCleaner maintenance.OrphanedTaskCleaner

	// Persister stores the advanced lastRun. Nil keeps it in memory only.
	Persister maintenance.LastRunPersister
}

// Engine owns one configuration snapshot for its whole lifetime; it never
// re-reads configuration.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	gate        *ratelimit.Gate
	coordinator *retry.Coordinator
	maintGate   *maintenance.Gate
	runner      *maintenance.Runner
	registry    *tasks.Registry
}

// NewEngine validates cfg and builds every component from it.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	var (
		gateMetrics  *ratelimit.Metrics
		retryMetrics *retry.Metrics
		maintMetrics *maintenance.Metrics
	)
	if deps.Registerer != nil {
		gateMetrics = ratelimit.NewMetrics(deps.Registerer)
		retryMetrics = retry.NewMetrics(deps.Registerer)
		maintMetrics = maintenance.NewMetrics(deps.Registerer)
	}

	gate, err := ratelimit.NewGate(cfg.Throttle,
		ratelimit.WithClock(clk),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(gateMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle gate: %w", err)
	}

	e := &Engine{
		cfg:    *cfg,
		logger: logger.With().Str("component", "engine").Logger(),
		gate:   gate,
		coordinator: retry.NewCoordinator(gate,
			retry.WithLogger(logger),
			retry.WithMetrics(retryMetrics),
		),
	}

	m := cfg.Maintenance
	logCleaner := deps.LogCleaner
	if logCleaner == nil && m.EnableLogCleanup {
		logCleaner = logcleanup.New(m.LogDir,
			logcleanup.WithCurrentFile(deps.CurrentLogFile),
			logcleanup.WithClock(clk),
			logcleanup.WithLogger(logger),
		)
	}

	orphanCleaner := deps.OrphanedTaskCleaner
	if orphanCleaner == nil && m.TaskStateFile != "" {
		e.registry = tasks.NewRegistry(m.TaskStateFile,
			tasks.WithStaleAfter(m.StaleTaskAge()),
			tasks.WithClock(clk),
			tasks.WithLogger(logger),
		)
		orphanCleaner = e.registry
	}

	opts := []maintenance.Option{
		maintenance.WithLogger(logger),
		maintenance.WithMetrics(maintMetrics),
	}
	if logCleaner != nil {
		opts = append(opts, maintenance.WithLogCleaner(logCleaner))
	}
	if orphanCleaner != nil {
		opts = append(opts, maintenance.WithOrphanedTaskCleaner(orphanCleaner))
	}
	if deps.Persister != nil {
		opts = append(opts, maintenance.WithPersister(deps.Persister))
	}

	e.maintGate = maintenance.NewGate(m, clk)
	e.runner, err = maintenance.NewRunner(m, e.maintGate, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maintenance runner: %w", err)
	}

	return e, nil
}

// Config returns the snapshot the engine was built with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Gate returns the shared throttle gate.
func (e *Engine) Gate() *ratelimit.Gate {
	return e.gate
}

// Coordinator returns the retry coordinator.
func (e *Engine) Coordinator() *retry.Coordinator {
	return e.coordinator
}

// MaintenanceGate returns the maintenance gate.
func (e *Engine) MaintenanceGate() *maintenance.Gate {
	return e.maintGate
}

// Maintenance returns the maintenance runner.
func (e *Engine) Maintenance() *maintenance.Runner {
	return e.runner
}

// Tasks returns the default task registry, or nil when a custom orphaned
// task cleaner was supplied or no state file is configured.
func (e *Engine) Tasks() *tasks.Registry {
	return e.registry
}

// Do runs op through the engine's coordinator with the configured attempt
// budget.
func Do[T any](ctx context.Context, e *Engine, op retry.Operation[T]) (T, error) {
	return retry.Execute(ctx, e.coordinator, e.cfg.Throttle.MaxAttempts, op)
}

// Run is Do for operations without a payload.
func (e *Engine) Run(ctx context.Context, op func(ctx context.Context) error) error {
	return e.coordinator.Run(ctx, e.cfg.Throttle.MaxAttempts, op)
}

// RunStartupMaintenance runs maintenance once if it is due.
func (e *Engine) RunStartupMaintenance(ctx context.Context) maintenance.Result {
	res := e.runner.Run(ctx)
	if res.Status != maintenance.StatusSkipped {
		e.logger.Info().Str("status", res.Status.String()).Msg("startup maintenance finished")
	}
	return res
}

// NewScheduler returns a scheduler that re-checks maintenance on the
// configured cron schedule.
func (e *Engine) NewScheduler() *maintenance.Scheduler {
	return maintenance.NewScheduler(e.runner, e.cfg.Maintenance.Schedule, e.logger)
}
