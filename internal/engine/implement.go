package engine

import (
	"context"
	"fmt"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/errors"
	"github.com/micros-ai/micros/internal/quota"
)

// RequestImplementation marks an eligible task for implementation and hands
// it to the implement queue. Failed and canceled runs can be re-requested;
// an in-flight run cannot.
func (e *Engine) RequestImplementation(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == db.ErrNotFound {
			return errors.ErrTaskNotFound(taskID)
		}
		return err
	}
	if task.SimpleVerdict != db.VerdictReady {
		return errors.ErrInvalidState(taskID, string(task.SimpleVerdict), "ready verdict")
	}

	if err := e.store.EnqueueImplementation(ctx, taskID); err != nil {
		if err == db.ErrConflict {
			return errors.ErrInvalidState(taskID, string(task.ImplementationStatus),
				"implementation not started, failed or canceled")
		}
		return err
	}
	return broker.PublishJSON(ctx, e.broker, broker.QueueImplement, broker.TaskMessage{TaskID: taskID})
}

// RunImplementation triggers the agentic CI implementation run for a queued
// task. Duplicate deliveries lose the queued->implementing claim.
func (e *Engine) RunImplementation(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == db.ErrNotFound {
			e.logger.Warn("implementation: task vanished", "task_id", taskID)
			return nil
		}
		return err
	}

	if task.SimpleVerdict != db.VerdictReady {
		return errors.ErrInvalidState(taskID, string(task.SimpleVerdict), "ready verdict")
	}
	if task.ImplementationStatus != db.EvalQueued {
		e.logger.Debug("implementation: nothing to do",
			"task_id", taskID, "implementation_status", task.ImplementationStatus)
		return nil
	}

	project, err := e.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	sel, err := e.selector.Select(ctx, project.OwnerUserID, project.ID, db.QuotaAdvanced)
	if err != nil {
		if quota.IsExceeded(err) {
			e.logger.Info("implementation: quota exhausted, leaving task queued",
				"task_id", taskID, "user_id", project.OwnerUserID)
			return nil
		}
		return fmt.Errorf("select credentials: %w", err)
	}
	if sel.Warning != "" {
		e.logger.Warn("implementation: quota warning", "task_id", taskID, "warning", sel.Warning)
	}

	sess := &db.Session{TaskID: taskID, Runner: db.RunnerImplementation}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	if err := e.store.BeginImplementation(ctx, taskID, sess.ID); err != nil {
		if err == db.ErrConflict {
			e.logger.Debug("implementation: lost claim race", "task_id", taskID)
			return nil
		}
		return err
	}

	if sel.UsePlatformToken {
		if err := e.store.IncrementQuotaUsage(ctx, project.OwnerUserID, db.QuotaAdvanced); err != nil {
			e.logger.Error("implementation: quota increment failed",
				"task_id", taskID, "user_id", project.OwnerUserID, "error", err)
		}
	}

	if err := e.triggerWorkerPipeline(ctx, task, sess, "implementation"); err != nil {
		if failErr := e.store.FailImplementation(ctx, taskID); failErr != nil && failErr != db.ErrConflict {
			e.logger.Error("implementation: fail after trigger failure",
				"task_id", taskID, "error", failErr)
		}
		e.refundQuota(ctx, sel, project.OwnerUserID, db.QuotaAdvanced, taskID)
		return err
	}

	e.logger.Info("implementation triggered", "task_id", taskID, "session_id", sess.ID)
	return nil
}
