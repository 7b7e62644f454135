package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/micros-ai/micros/internal/db"
)

// Recovery unwedges tasks stuck in advanced evaluation: the pipeline
// finished (or never existed) but the completion signal was lost.
type Recovery struct {
	store     *db.Store
	eng       Engine
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
}

// NewRecovery creates the stuck-task recovery loop.
func NewRecovery(store *db.Store, eng Engine, interval, threshold time.Duration, logger *slog.Logger) *Recovery {
	return &Recovery{store: store, eng: eng, interval: interval, threshold: threshold, logger: logger}
}

func (r *Recovery) Name() string { return "stuck-task-recovery" }

func (r *Recovery) Run(ctx context.Context) error {
	r.Pass(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass recovers every task stuck past the threshold. Exported for one-shot
// admin use.
func (r *Recovery) Pass(ctx context.Context) {
	tasks, err := r.store.StuckEvaluatingTasks(ctx, r.threshold)
	if err != nil {
		r.logger.Error("recovery: stuck query failed", "error", err)
		return
	}
	for i := range tasks {
		r.recoverTask(ctx, &tasks[i])
	}
	if len(tasks) > 0 {
		r.logger.Info("recovery pass", "recovered", len(tasks))
	}
}

func (r *Recovery) recoverTask(ctx context.Context, task *db.Task) {
	// No session or no execution: the trigger never landed. Back to pending.
	if task.EvalSessionID == "" {
		r.reset(ctx, task, "no evaluation session")
		return
	}
	execs, err := r.store.ListPipelineExecutionsBySession(ctx, task.EvalSessionID)
	if err != nil {
		r.logger.Error("recovery: list executions failed", "task_id", task.ID, "error", err)
		return
	}
	if len(execs) == 0 {
		r.reset(ctx, task, "session has no pipeline execution")
		return
	}

	last := execs[len(execs)-1]
	if !last.Status.Terminal() {
		// Still running as far as we know; the pipeline monitor owns it.
		r.logger.Debug("recovery: execution still in flight",
			"task_id", task.ID, "execution_id", last.ID, "status", last.Status)
		return
	}

	// The execution finished but the task never heard: replay the outcome.
	r.logger.Warn("recovery: replaying terminal pipeline outcome",
		"task_id", task.ID, "execution_id", last.ID, "status", last.Status)
	if err := r.eng.SyncExecutionStatus(ctx, &last, last.Status); err != nil {
		r.logger.Error("recovery: replay failed", "task_id", task.ID, "error", err)
	}
}

func (r *Recovery) reset(ctx context.Context, task *db.Task, why string) {
	r.logger.Warn("recovery: resetting stuck evaluation", "task_id", task.ID, "reason", why)
	if err := r.store.ResetAdvancedEvaluation(ctx, task.ID); err != nil && err != db.ErrConflict {
		r.logger.Error("recovery: reset failed", "task_id", task.ID, "error", err)
	}
}
