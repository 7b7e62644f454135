package cli

import (
	"github.com/spf13/cobra"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/monitor"
	"github.com/micros-ai/micros/internal/scheduler"
)

// newSyncWorkerCmd consumes the sync queue and runs the sync scheduler.
// The scheduler rides along so sync capacity and sync scheduling scale
// together.
func newSyncWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-worker",
		Short: "Consume the sync queue and schedule periodic syncs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			sup := rt.supervise()
			addConsumer(sup, rt, broker.QueueSync, rt.cfg.SyncPrefetch, rt.eng.HandleSync)
			sup.Add(scheduler.NewSync(rt.store, rt.broker, rt.cfg.SyncInterval,
				rt.cfg.SyncThreshold, rt.cfg.QueuedTimeout, rt.logger))
			return sup.Run(cmd.Context())
		},
	}
}

// newEvalWorkerCmd consumes the evaluate queue, plus the eval scheduler,
// pipeline monitor and stuck-task recovery that feed it.
func newEvalWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval-worker",
		Short: "Consume the evaluate queue and monitor evaluation pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			sup := rt.supervise()
			addConsumer(sup, rt, broker.QueueEvaluate, rt.cfg.EvalPrefetch, rt.eng.HandleEvaluate)
			sup.Add(scheduler.NewEval(rt.store, rt.broker, rt.cfg.EvalInterval, rt.logger))
			sup.Add(monitor.New(rt.store, rt.eng, rt.cfg.PipelinePoll, rt.cfg.PipelineStaleness, rt.logger))
			sup.Add(monitor.NewRecovery(rt.store, rt.eng, rt.cfg.StuckCheckEvery, rt.cfg.StuckTimeout, rt.logger))
			return sup.Run(cmd.Context())
		},
	}
}

// newImplWorkerCmd consumes the implement queue.
func newImplWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "impl-worker",
		Short: "Consume the implement queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			sup := rt.supervise()
			addConsumer(sup, rt, broker.QueueImplement, rt.cfg.ImplPrefetch, rt.eng.HandleImplement)
			return sup.Run(cmd.Context())
		},
	}
}

// newWebhookCmd serves the webhook ingress alone.
func newWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "webhook",
		Short: "Serve tracker webhook ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			if rt.cfg.WebhookSecret == "" {
				rt.close()
				return errMissing("WEBHOOK_SECRET")
			}
			sup := rt.supervise()
			sup.Add(newWebhookRunner(rt))
			return sup.Run(cmd.Context())
		},
	}
}
