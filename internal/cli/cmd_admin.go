package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/micros-ai/micros/internal/monitor"
)

func errMissing(name string) error {
	return fmt.Errorf("%s is required", name)
}

// newAdminCmd groups one-shot maintenance verbs. Each runs a single pass
// and exits, for cron jobs and incident response.
func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "One-shot maintenance commands",
	}
	cmd.AddCommand(newCheckStalePipelinesCmd())
	cmd.AddCommand(newRecoverStuckTasksCmd())
	cmd.AddCommand(newSyncSourceCmd())
	return cmd
}

func newCheckStalePipelinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-stale-pipelines",
		Short: "Re-check stale pipeline executions against CI once",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			monitor.New(rt.store, rt.eng, rt.cfg.PipelinePoll, rt.cfg.PipelineStaleness, rt.logger).Pass(cmd.Context())
			return nil
		},
	}
}

func newRecoverStuckTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-stuck-tasks",
		Short: "Recover tasks wedged in advanced evaluation once",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			monitor.NewRecovery(rt.store, rt.eng, rt.cfg.StuckCheckEvery, rt.cfg.StuckTimeout, rt.logger).Pass(cmd.Context())
			return nil
		},
	}
}

func newSyncSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-source <task-source-id>",
		Short: "Sync one task source immediately, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()
			res, err := rt.eng.SyncTaskSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(res)
		},
	}
}
