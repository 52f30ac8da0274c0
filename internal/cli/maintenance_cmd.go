package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-pacer/internal/maintenance"
)

// newMaintenanceCmd creates the 'maintenance' command group.
func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect and run periodic housekeeping",
		Long: `Maintenance removes expired session logs and background tasks left
behind by processes that exited without cleaning up.

Commands:
  status - Show frequency, last run and whether maintenance is due
  run    - Run maintenance now if due (or always with --force)`,
	}

	cmd.AddCommand(newMaintenanceStatusCmd())
	cmd.AddCommand(newMaintenanceRunCmd())

	return cmd
}

// newMaintenanceStatusCmd creates the 'maintenance status' command.
func newMaintenanceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show maintenance schedule and due-ness",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, provider, err := loadEngine(nil)
			if err != nil {
				return err
			}

			gate := engine.MaintenanceGate()
			m := engine.Config().Maintenance
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Config:     %s\n", provider.Path())
			fmt.Fprintf(out, "Frequency:  %s\n", gate.Frequency())
			fmt.Fprintf(out, "Last run:   %s\n", formatTime(gate.LastRun()))
			fmt.Fprintf(out, "Due now:    %t\n", gate.IsDue(time.Now()))
			fmt.Fprintf(out, "Steps:      log_cleanup=%s orphaned_task_cleanup=%s\n",
				enabledString(m.EnableLogCleanup), enabledString(m.EnableOrphanedTaskCleanup))

			if reg := engine.Tasks(); reg != nil {
				tasks, err := reg.List()
				if err != nil {
					fmt.Fprintf(out, "Tasks:      unavailable (%v)\n", err)
				} else {
					fmt.Fprintf(out, "Tasks:      %d registered\n", len(tasks))
				}
			}
			return nil
		},
	}
}

// newMaintenanceRunCmd creates the 'maintenance run' command.
func newMaintenanceRunCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run maintenance now if it is due",
		Long: `Run maintenance if the configured frequency says it is due.

Use --force to run regardless of the last run time. A successful or
partially failed run records its start time as the new last run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := loadEngine(nil)
			if err != nil {
				return err
			}

			ctx := GetContext()
			var res maintenance.Result
			if force {
				res = engine.Maintenance().RunForced(ctx)
			} else {
				res = engine.Maintenance().Run(ctx)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Maintenance %s\n", res.Summary())
			for _, f := range res.Failures {
				fmt.Fprintf(out, "  failed: %s\n", f.Error())
			}
			if res.PersistErr != nil {
				fmt.Fprintf(out, "  warning: last run not saved: %v\n", res.PersistErr)
			}

			if res.Status == maintenance.StatusFailed {
				return fmt.Errorf("maintenance did not complete: %s", res.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Run even if maintenance is not due")

	return cmd
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
