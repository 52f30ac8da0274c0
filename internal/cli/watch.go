package cli

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-pacer/internal/core"
	"github.com/rescale/rescale-pacer/internal/maintenance"
)

// heartbeatInterval is how often the watch task refreshes its registry entry.
const heartbeatInterval = 5 * time.Minute

// newWatchCmd creates the 'watch' command.
func newWatchCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run scheduled maintenance and serve metrics until interrupted",
		Long: `Run maintenance once at start if it is due, then re-check on the
configured cron schedule (maintenance.schedule). Prometheus metrics are
served on --listen at /metrics. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			engine, _, err := loadEngine(reg)
			if err != nil {
				return err
			}

			return runWatch(GetContext(), engine, reg, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9464", "Metrics listen address (empty disables the endpoint)")

	return cmd
}

func runWatch(ctx context.Context, engine *core.Engine, reg *prometheus.Registry, listen string) error {
	log := GetLogger()

	if tasks := engine.Tasks(); tasks != nil {
		task, err := tasks.Register("watch", "scheduled maintenance")
		if err != nil {
			log.Warn().Err(err).Msg("failed to register watch task")
		} else {
			defer func() {
				if err := tasks.Complete(task.ID); err != nil {
					log.Warn().Err(err).Msg("failed to complete watch task")
				}
			}()
			go heartbeat(ctx, func() error { return tasks.Heartbeat(task.ID) })
		}
	}

	if res := engine.RunStartupMaintenance(ctx); res.Status == maintenance.StatusFailed {
		log.Warn().Str("reason", res.Reason).Msg("startup maintenance did not complete")
	}

	scheduler := engine.NewScheduler()
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	var srv *nethttp.Server
	serveErr := make(chan error, 1)
	if listen != "" {
		mux := nethttp.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
		}))
		srv = &nethttp.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				serveErr <- err
			}
		}()
		log.Info().Str("addr", listen).Msg("serving metrics on /metrics")
	}

	if next := scheduler.NextRun(); next != nil {
		log.Info().Time("next_check", *next).Msg("watching for due maintenance")
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("metrics server failed: %w", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	log.Info().Msg("watch stopped")
	return nil
}

func heartbeat(ctx context.Context, beat func() error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := beat(); err != nil {
				GetLogger().Warn().Err(err).Msg("task heartbeat failed")
			}
		}
	}
}
