// Package cli implements the micros command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "micros",
	Short: "Issue-to-merge-request automation engine",
	Long: `micros turns tracker issues into merge requests.

It syncs issues from GitLab, GitHub and Jira, filters them with a fast
LLM triage pass, runs full agentic evaluation and implementation in CI
pipelines on a worker repository, and tracks every run to completion.

Components:
  serve            Run everything in one process
  sync-worker      Consume the sync queue
  eval-worker      Consume the evaluate queue
  impl-worker      Consume the implement queue
  webhook          Serve tracker webhook ingress
  provision        Install pipeline templates on a worker repository
  admin            One-shot maintenance commands`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSyncWorkerCmd())
	rootCmd.AddCommand(newEvalWorkerCmd())
	rootCmd.AddCommand(newImplWorkerCmd())
	rootCmd.AddCommand(newWebhookCmd())
	rootCmd.AddCommand(newProvisionCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(newVersionCmd())
}
