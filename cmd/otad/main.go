package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	updateFlags := &UpdateFlags{}
	rollbackFlags := &RollbackFlags{}
	healthFlags := &HealthcheckFlags{}

	otadCommand := command{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(otadCommand, globalFlags, runFlags),
		createUpdateCommand(otadCommand, globalFlags, updateFlags),
		createRollbackCommand(otadCommand, globalFlags, rollbackFlags),
		createBackupsCommand(otadCommand, globalFlags),
		createStatusCommand(otadCommand, globalFlags),
		createHealthcheckCommand(otadCommand, globalFlags, healthFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "otad",
		Short: "Over-the-air update daemon for a supervised edge application",
		Long: `Otad keeps a locally supervised application current: it polls a
remote repository for new releases, deploys them behind a backup,
verifies the deployment is healthy, and rolls back automatically on
failure.

Examples:
  otad run --config=/etc/otad/otad.toml     # Start the update daemon
  otad update --config=otad.toml            # Run a single update cycle
  otad rollback --id=1.0.0_20260101120000   # Restore a specific snapshot
  otad healthcheck                          # Probe the app; exit 0/1`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	return root
}

// createRunCommand creates the run (daemon) subcommand
func createRunCommand(otadCommand command, gf *GlobalFlags, rf *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the continuous update daemon",
		Long: `Run the daemon: supervise the application, self-heal on failed
health probes, and apply updates on the configured interval until
interrupted.

Examples:
  otad run --config=/etc/otad/otad.toml
  otad run --listen=127.0.0.1:7070 --metrics-listen=127.0.0.1:7071`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return otadCommand.Run(gf, *rf)
		},
	}
	cmd.Flags().StringVar(&rf.Listen, "listen", "", "REST API listen address (overrides config)")
	cmd.Flags().StringVar(&rf.MetricsListen, "metrics-listen", "", "Prometheus listen address (overrides config)")
	return cmd
}

// createUpdateCommand creates the one-shot update subcommand
func createUpdateCommand(otadCommand command, gf *GlobalFlags, uf *UpdateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run a single update cycle",
		Long: `Check the remote source once and, if a newer version is published,
deploy it with the full backup/verify/rollback protocol.

Examples:
  otad update --config=otad.toml
  otad update --bootstrap   # also download when nothing is deployed yet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return otadCommand.Update(gf, *uf)
		},
	}
	cmd.Flags().BoolVar(&uf.Bootstrap, "bootstrap", false, "download the artifact first when no entrypoint is deployed")
	return cmd
}

// createRollbackCommand creates the rollback subcommand
func createRollbackCommand(otadCommand command, gf *GlobalFlags, rbf *RollbackFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a backup and restart the application",
		Long: `Restore a snapshot into the application directory and restart the
supervised process. Without --id the most recent snapshot is used.

Examples:
  otad rollback
  otad rollback --id=1.0.0_20260101120000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return otadCommand.Rollback(gf, *rbf)
		},
	}
	cmd.Flags().StringVar(&rbf.ID, "id", "", "snapshot id (default: latest)")
	return cmd
}

// createBackupsCommand creates the backups listing subcommand
func createBackupsCommand(otadCommand command, gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List available snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return otadCommand.Backups(gf)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(otadCommand command, gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the deployed version and orchestrator state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return otadCommand.Status(gf)
		},
	}
}

// createHealthcheckCommand creates the standalone health-check subcommand
func createHealthcheckCommand(otadCommand command, gf *GlobalFlags, hf *HealthcheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the supervised application; exit 0 when healthy",
		Long: `Run the health-check suite against the supervised application:
process liveness via pidfile, the HTTP health endpoint, and the
deployed version manifest. The verdict is reported via exit code so
the daemon's probe command (and cron) can consume it.

Examples:
  otad healthcheck
  otad healthcheck --timeout=5`,
		Run: func(cmd *cobra.Command, args []string) {
			if !otadCommand.Healthcheck(gf, *hf) {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().IntVar(&hf.Timeout, "timeout", 0, "endpoint probe timeout in seconds (overrides config)")
	return cmd
}
