package cli

import (
	"github.com/spf13/cobra"
)

// runStandalone turns one subcommand into a full root command for the
// per-component binaries, which deploy one concern per process.
func runStandalone(cmd *cobra.Command, use, short string) error {
	cmd.Use = use
	cmd.Short = short
	cmd.SilenceUsage = true
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd.Execute()
}

// ExecuteTaskOps runs the full engine: all consumers, schedulers, monitor,
// recovery, and webhook ingress.
func ExecuteTaskOps() error {
	return runStandalone(newServeCmd(), "micros-task-ops", "Run the full task-ops engine")
}

// ExecuteTaskSync runs the sync consumer and sync scheduler.
func ExecuteTaskSync() error {
	return runStandalone(newSyncWorkerCmd(), "micros-task-sync", "Run the sync consumer and scheduler")
}

// ExecuteTaskEval runs the evaluate consumer with its scheduler, pipeline
// monitor and stuck-task recovery.
func ExecuteTaskEval() error {
	return runStandalone(newEvalWorkerCmd(), "micros-task-eval", "Run the evaluation consumer and monitors")
}

// ExecuteTaskImpl runs the implement consumer.
func ExecuteTaskImpl() error {
	return runStandalone(newImplWorkerCmd(), "micros-task-impl", "Run the implementation consumer")
}
