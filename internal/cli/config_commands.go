package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-pacer/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-pacer configuration",
		Long: `Configuration management commands for rescale-pacer.

Commands:
  init  - Write a configuration file with defaults
  show  - Display the effective configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Long: `Write a configuration file populated with defaults.

Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			provider := config.NewFileProvider(cfgFile)
			path := provider.Path()
			if path == "" {
				return fmt.Errorf("failed to determine config path")
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			if err := config.SaveConfig(config.NewConfig(), path); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("configuration written")
			fmt.Fprintf(out, "Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := config.NewFileProvider(cfgFile)
			cfg, err := provider.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			printConfig(cmd.OutOrStdout(), provider.Path(), cfg)
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.NewFileProvider(cfgFile).Path()
			if path == "" {
				return fmt.Errorf("failed to determine config path")
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func printConfig(out io.Writer, path string, cfg *config.Config) {
	source := path
	if _, err := os.Stat(path); err != nil {
		source = path + " (not found, using defaults)"
	}

	t := cfg.Throttle
	m := cfg.Maintenance
	p := cfg.Proxy

	fmt.Fprintf(out, "Configuration: %s\n\n", source)
	fmt.Fprintln(out, "[throttle]")
	fmt.Fprintf(out, "  enabled          = %t\n", t.Enabled)
	fmt.Fprintf(out, "  interval_ms      = %d\n", t.IntervalMs)
	fmt.Fprintf(out, "  count_threshold  = %d\n", t.CountThreshold)
	fmt.Fprintf(out, "  window_ms        = %d\n", t.WindowMs)
	fmt.Fprintf(out, "  cooldown_ms      = %d\n", t.CooldownMs)
	fmt.Fprintf(out, "  retry_delay_ms   = %d\n", t.RetryDelayMs)
	fmt.Fprintf(out, "  max_attempts     = %d\n", t.MaxAttempts)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[maintenance]")
	fmt.Fprintf(out, "  frequency                    = %s\n", m.Frequency)
	fmt.Fprintf(out, "  last_run                     = %s\n", formatTime(m.LastRun))
	fmt.Fprintf(out, "  retention_days               = %d\n", m.RetentionDays)
	fmt.Fprintf(out, "  max_session_files_per_day    = %d\n", m.MaxSessionFilesPerDay)
	fmt.Fprintf(out, "  enable_log_cleanup           = %t\n", m.EnableLogCleanup)
	fmt.Fprintf(out, "  enable_orphaned_task_cleanup = %t\n", m.EnableOrphanedTaskCleanup)
	fmt.Fprintf(out, "  log_dir                      = %s\n", m.LogDir)
	fmt.Fprintf(out, "  task_state_file              = %s\n", m.TaskStateFile)
	fmt.Fprintf(out, "  stale_task_hours             = %d\n", m.StaleTaskHours)
	fmt.Fprintf(out, "  schedule                     = %s\n", m.Schedule)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[proxy]")
	fmt.Fprintf(out, "  mode     = %s\n", p.NormalizedMode())
	fmt.Fprintf(out, "  host     = %s\n", p.Host)
	fmt.Fprintf(out, "  port     = %d\n", p.Port)
	fmt.Fprintf(out, "  user     = %s\n", p.User)
	fmt.Fprintf(out, "  password = %s\n", maskSecret(p.Password))
	fmt.Fprintf(out, "  no_proxy = %s\n", p.NoProxy)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
