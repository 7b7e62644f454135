package engine

import (
	"context"
	"fmt"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/errors"
	"github.com/micros-ai/micros/internal/quota"
)

// RunAdvanced triggers the agentic CI evaluation for one task. The task
// must have passed the simple filter with a ready verdict. Duplicate
// deliveries lose the queued->evaluating claim and drop out.
func (e *Engine) RunAdvanced(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == db.ErrNotFound {
			e.logger.Warn("advanced eval: task vanished", "task_id", taskID)
			return nil
		}
		return err
	}

	if task.SimpleStatus != db.EvalCompleted || task.SimpleVerdict != db.VerdictReady {
		return errors.ErrInvalidState(taskID,
			fmt.Sprintf("simple %s/%s", task.SimpleStatus, task.SimpleVerdict),
			"simple completed with ready verdict")
	}
	if task.AdvancedStatus != db.EvalPending && task.AdvancedStatus != db.EvalQueued {
		e.logger.Debug("advanced eval: nothing to do",
			"task_id", taskID, "advanced_status", task.AdvancedStatus)
		return nil
	}

	project, err := e.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	sel, err := e.selector.Select(ctx, project.OwnerUserID, project.ID, db.QuotaAdvanced)
	if err != nil {
		if quota.IsExceeded(err) {
			e.logger.Info("advanced eval: quota exhausted, leaving task pending",
				"task_id", taskID, "user_id", project.OwnerUserID)
			return nil
		}
		return fmt.Errorf("select credentials: %w", err)
	}
	if sel.Warning != "" {
		e.logger.Warn("advanced eval: quota warning", "task_id", taskID, "warning", sel.Warning)
	}

	if task.AdvancedStatus == db.EvalPending {
		if err := e.store.EnqueueAdvancedEvaluation(ctx, taskID); err != nil && err != db.ErrConflict {
			return err
		}
	}

	sess := &db.Session{TaskID: taskID, Runner: db.RunnerEvaluation}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	if err := e.store.BeginAdvancedEvaluation(ctx, taskID, sess.ID); err != nil {
		if err == db.ErrConflict {
			e.logger.Debug("advanced eval: lost claim race", "task_id", taskID)
			return nil
		}
		return err
	}

	// Remote runs bill at trigger time: the pipeline will consume tokens
	// whether or not we hear back from it.
	if sel.UsePlatformToken {
		if err := e.store.IncrementQuotaUsage(ctx, project.OwnerUserID, db.QuotaAdvanced); err != nil {
			e.logger.Error("advanced eval: quota increment failed",
				"task_id", taskID, "user_id", project.OwnerUserID, "error", err)
		}
	}

	if err := e.triggerWorkerPipeline(ctx, task, sess, "evaluation"); err != nil {
		if resetErr := e.store.ResetAdvancedEvaluation(ctx, taskID); resetErr != nil && resetErr != db.ErrConflict {
			e.logger.Error("advanced eval: reset after trigger failure",
				"task_id", taskID, "error", resetErr)
		}
		e.refundQuota(ctx, sel, project.OwnerUserID, db.QuotaAdvanced, taskID)
		return err
	}

	e.logger.Info("advanced evaluation triggered", "task_id", taskID, "session_id", sess.ID)
	return nil
}

// triggerWorkerPipeline starts a CI pipeline on the project's worker
// repository and records the execution for the monitor to track.
func (e *Engine) triggerWorkerPipeline(ctx context.Context, task *db.Task, sess *db.Session, runner string) error {
	wr, err := e.loadWorkerRepo(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	client, err := e.ciFor(ctx, wr)
	if err != nil {
		return err
	}

	ref, err := client.TriggerPipeline(ctx, wr.project, wr.branch, map[string]string{
		"TASK_OPS_RUNNER":       runner,
		"TASK_OPS_TASK_ID":      task.ID,
		"TASK_OPS_SESSION_ID":   sess.ID,
		"TASK_OPS_API_BASE_URL": e.cfg.APIBaseURL,
		"TASK_OPS_API_TOKEN":    e.cfg.APIToken,
	})
	if err != nil {
		return fmt.Errorf("trigger %s pipeline for task %s: %w", runner, task.ID, err)
	}

	exec := &db.PipelineExecution{
		SessionID:          sess.ID,
		WorkerRepositoryID: wr.rec.ID,
		PipelineID:         ref.ID,
		Status:             ref.Status,
	}
	if err := e.store.CreatePipelineExecution(ctx, exec); err != nil {
		return fmt.Errorf("record pipeline execution: %w", err)
	}
	return nil
}
