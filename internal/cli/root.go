// Package cli provides the command-line interface for rescale-pacer.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-pacer/internal/config"
	"github.com/rescale/rescale-pacer/internal/core"
	"github.com/rescale/rescale-pacer/internal/logging"
	"github.com/rescale/rescale-pacer/internal/version"
)

var (
	// Global flags
	cfgFile    string
	verbose    bool
	debug      bool
	sessionLog bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rescale-pacer",
		Short: "Adaptive request throttle and maintenance scheduler for Rescale API clients",
		Long: `Rescale Pacer ` + version.Version + ` - Built: ` + version.BuildTime + `
Paces remote API calls so a client stays under the server's quota,
recovers from explicit rate limit rejections, and runs periodic
housekeeping (session log retention, orphaned task cleanup).

Configuration is read once at start from an INI file; see 'config show'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}

			opts := logging.Options{Console: cmd.ErrOrStderr()}
			if sessionLog {
				// The log directory comes from the config when it is loadable;
				// a broken config must not stop 'config init' from running.
				opts.LogDir = config.LogDirectory()
				if cfg, err := config.LoadConfig(cfgFile); err == nil {
					opts.LogDir = cfg.Maintenance.LogDir
				}
			}

			l, err := logging.NewLogger(opts)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logger != nil {
				return logger.Close()
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")
	rootCmd.PersistentFlags().BoolVar(&sessionLog, "session-log", true, "Write a session log file to the configured log directory")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	// Create a context that can be cancelled by signals
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop to handle repeated signals (e.g., user pressing Ctrl+C multiple times)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling operations...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.Execute()

	// Clean up signal handler
	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newMaintenanceCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newWatchCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the global CLI context with signal handling.
// This context will be cancelled when the user presses Ctrl+C.
func GetContext() context.Context {
	if rootContext == nil {
		// Fallback to background context if called before Execute()
		return context.Background()
	}
	return rootContext
}

// loadEngine loads the configuration once and builds an engine from it. The
// file provider persists maintenance runs back to the same file.
func loadEngine(reg prometheus.Registerer) (*core.Engine, *config.FileProvider, error) {
	provider := config.NewFileProvider(cfgFile)

	cfg, err := provider.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	zl := GetLogger().Zerolog()
	engine, err := core.NewEngine(cfg, core.Deps{
		Logger:         &zl,
		Registerer:     reg,
		CurrentLogFile: GetLogger().SessionFile(),
		Persister:      provider,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, provider, nil
}
