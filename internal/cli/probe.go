package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-pacer/internal/api"
	"github.com/rescale/rescale-pacer/internal/core"
	"github.com/rescale/rescale-pacer/internal/progress"
	"github.com/rescale/rescale-pacer/internal/ratelimit"
	"github.com/rescale/rescale-pacer/internal/retry"
)

// probeSummary aggregates probe results.
type probeSummary struct {
	mu                  sync.Mutex
	succeeded           int
	rateLimitExhausted  int
	transientExhausted  int
	fatal               int
	cancelled           int
	firstFailureReasons []string
	elapsed             time.Duration
}

func (s *probeSummary) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		s.succeeded++
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.cancelled++
		return
	case errors.Is(err, retry.ErrRateLimitExhausted):
		s.rateLimitExhausted++
	case errors.Is(err, retry.ErrTransientFailure):
		s.transientExhausted++
	default:
		s.fatal++
	}
	if len(s.firstFailureReasons) < 3 {
		s.firstFailureReasons = append(s.firstFailureReasons, err.Error())
	}
}

func (s *probeSummary) print(out io.Writer, stats ratelimit.Stats) {
	fmt.Fprintf(out, "Requests:           %d succeeded, %d rate limited, %d transient, %d fatal, %d cancelled\n",
		s.succeeded, s.rateLimitExhausted, s.transientExhausted, s.fatal, s.cancelled)
	fmt.Fprintf(out, "Elapsed:            %s\n", s.elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Admissions:         %d\n", stats.Admissions)
	fmt.Fprintf(out, "Cooldowns:          %d\n", stats.CooldownsTriggered)
	fmt.Fprintf(out, "Rate limit signals: %d\n", stats.RateLimitSignals)
	for _, reason := range s.firstFailureReasons {
		fmt.Fprintf(out, "  failure: %s\n", reason)
	}
}

func (s *probeSummary) failed() int {
	return s.rateLimitExhausted + s.transientExhausted + s.fatal
}

// newProbeCmd creates the 'probe' command.
func newProbeCmd() *cobra.Command {
	var (
		url         string
		method      string
		count       int
		concurrency int
		token       string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Issue paced requests against an endpoint and report the outcome",
		Long: `Send --count requests to --url from --concurrency workers. Every
attempt passes through the shared throttle, and rate limited or transient
failures are retried up to throttle.max_attempts.

The API token is read from --token or the RESCALE_API_KEY environment
variable and sent as "Authorization: Token <token>". Requests use the
[proxy] section of the configuration; a proxy password may also be given
in RESCALE_PROXY_PASSWORD.

Example:
  rescale-pacer probe --url https://platform.rescale.com/api/v3/users/me/ --count 50 --concurrency 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			if concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			if token == "" {
				token = os.Getenv("RESCALE_API_KEY")
			}

			engine, _, err := loadEngine(nil)
			if err != nil {
				return err
			}

			proxy := engine.Config().Proxy
			if proxy.Password == "" {
				proxy.Password = os.Getenv("RESCALE_PROXY_PASSWORD")
			}

			client, err := api.NewClient(url,
				api.WithToken(token),
				api.WithProxy(proxy),
				api.WithLogger(GetLogger().Zerolog()),
			)
			if err != nil {
				return err
			}

			if reg := engine.Tasks(); reg != nil {
				task, err := reg.Register("probe", fmt.Sprintf("%s %s x%d", method, url, count))
				if err != nil {
					GetLogger().Warn().Err(err).Msg("failed to register probe task")
				} else {
					defer func() {
						if err := reg.Complete(task.ID); err != nil {
							GetLogger().Warn().Err(err).Msg("failed to complete probe task")
						}
					}()
				}
			}

			bar := progress.ForWriter(cmd.ErrOrStderr())
			summary := runProbe(GetContext(), engine, client.Operation(method, url, nil), count, concurrency, bar)
			summary.print(cmd.OutOrStdout(), engine.Gate().Stats())

			if n := summary.failed(); n > 0 {
				return fmt.Errorf("%d of %d requests failed", n, count)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Endpoint URL (required)")
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method")
	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of requests")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Number of concurrent workers")
	cmd.Flags().StringVar(&token, "token", "", "API token (default $RESCALE_API_KEY)")

	return cmd
}

// runProbe executes op count times across concurrency workers. The reporter
// advances once per finished request and shows pending cooldowns.
func runProbe(ctx context.Context, engine *core.Engine, op retry.Operation[*api.Response], count, concurrency int, reporter progress.Reporter) *probeSummary {
	summary := &probeSummary{}
	jobs := make(chan struct{}, count)
	for i := 0; i < count; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	reporter.Start(int64(count), probeDescription(0))
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				reporter.SetDescription(probeDescription(engine.Gate().CooldownRemaining()))
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				if ctx.Err() != nil {
					summary.record(ctx.Err())
				} else {
					_, err := core.Do(ctx, engine, op)
					summary.record(err)
				}
				reporter.Add(1)
			}
		}()
	}
	wg.Wait()
	close(done)
	reporter.Finish()

	summary.elapsed = time.Since(start)
	return summary
}

// probeDescription labels the bar, naming the cooldown when one is pending.
func probeDescription(cooldown time.Duration) string {
	if cooldown <= 0 {
		return "requests"
	}
	return fmt.Sprintf("cooling down %s", cooldown.Round(time.Second))
}
