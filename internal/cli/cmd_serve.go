package cli

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/monitor"
	"github.com/micros-ai/micros/internal/scheduler"
	"github.com/micros-ai/micros/internal/supervisor"
	"github.com/micros-ai/micros/internal/webhook"
)

// newServeCmd runs every component in one process: all three queue
// consumers, both schedulers, the pipeline monitor, stuck-task recovery,
// and the webhook listener.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run all engine components in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			sup := rt.supervise()

			addConsumer(sup, rt, broker.QueueSync, rt.cfg.SyncPrefetch, rt.eng.HandleSync)
			addConsumer(sup, rt, broker.QueueEvaluate, rt.cfg.EvalPrefetch, rt.eng.HandleEvaluate)
			addConsumer(sup, rt, broker.QueueImplement, rt.cfg.ImplPrefetch, rt.eng.HandleImplement)

			sup.Add(scheduler.NewSync(rt.store, rt.broker, rt.cfg.SyncInterval,
				rt.cfg.SyncThreshold, rt.cfg.QueuedTimeout, rt.logger))
			sup.Add(scheduler.NewEval(rt.store, rt.broker, rt.cfg.EvalInterval, rt.logger))
			sup.Add(monitor.New(rt.store, rt.eng, rt.cfg.PipelinePoll, rt.cfg.PipelineStaleness, rt.logger))
			sup.Add(monitor.NewRecovery(rt.store, rt.eng, rt.cfg.StuckCheckEvery, rt.cfg.StuckTimeout, rt.logger))

			if rt.cfg.WebhookSecret != "" {
				sup.Add(newWebhookRunner(rt))
			} else {
				rt.logger.Info("webhook ingress disabled: WEBHOOK_SECRET not set")
			}

			return sup.Run(cmd.Context())
		},
	}
}

func addConsumer(sup *supervisor.Supervisor, rt *runtime, queue string, prefetch int, handler broker.Handler) {
	sup.Add(&supervisor.Func{
		RunnerName: "consumer:" + queue,
		Fn: func(ctx context.Context) error {
			return rt.broker.Consume(ctx, queue, prefetch, handler)
		},
	})
}

// newWebhookRunner wraps the webhook HTTP server as a supervised component.
func newWebhookRunner(rt *runtime) supervisor.Runner {
	return &supervisor.Func{
		RunnerName: "webhook-server",
		Fn: func(ctx context.Context) error {
			mux := http.NewServeMux()
			webhook.New(rt.store, rt.broker, rt.cfg.WebhookSecret, rt.logger).Register(mux)
			srv := &http.Server{Addr: rt.cfg.ListenAddr, Handler: mux}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			rt.logger.Info("webhook server listening", "addr", rt.cfg.ListenAddr)

			select {
			case <-ctx.Done():
				_ = srv.Shutdown(context.Background())
				return ctx.Err()
			case err := <-errc:
				return err
			}
		},
	}
}
