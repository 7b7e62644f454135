package engine

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/micros-ai/micros/internal/db"
)

// SyncExecutionStatus propagates a terminal pipeline status through the
// execution's session onto the owning task. Non-terminal statuses and
// detached executions are ignored, and state transitions that already
// happened are absorbed, so repeated delivery of the same observation is
// harmless.
func (e *Engine) SyncExecutionStatus(ctx context.Context, exec *db.PipelineExecution, status db.PipelineStatus) error {
	if !status.Terminal() || exec.SessionID == "" {
		return nil
	}

	sess, err := e.store.GetSession(ctx, exec.SessionID)
	if err != nil {
		if err == db.ErrNotFound {
			e.logger.Warn("status sync: session vanished",
				"execution_id", exec.ID, "session_id", exec.SessionID)
			return nil
		}
		return err
	}
	if sess.TaskID == "" {
		return nil
	}

	task, err := e.store.GetTask(ctx, sess.TaskID)
	if err != nil {
		if err == db.ErrNotFound {
			e.logger.Warn("status sync: task vanished", "task_id", sess.TaskID)
			return nil
		}
		return err
	}

	switch sess.Runner {
	case db.RunnerEvaluation:
		return e.syncEvaluationOutcome(ctx, task, sess, status)
	case db.RunnerImplementation:
		return e.syncImplementationOutcome(ctx, task, sess, status)
	default:
		e.logger.Warn("status sync: unknown runner", "session_id", sess.ID, "runner", sess.Runner)
		return nil
	}
}

// syncEvaluationOutcome closes out an advanced evaluation. Only a task
// still evaluating under this session moves; anything else already resolved
// through another path.
func (e *Engine) syncEvaluationOutcome(ctx context.Context, task *db.Task, sess *db.Session, status db.PipelineStatus) error {
	if task.AdvancedStatus != db.EvalEvaluating || task.EvalSessionID != sess.ID {
		e.logger.Debug("status sync: evaluation already resolved",
			"task_id", task.ID, "advanced_status", task.AdvancedStatus)
		return nil
	}

	switch status {
	case db.PipelineSuccess:
		result, found, err := e.evaluationArtifact(ctx, sess.ID, task.ID)
		if err != nil {
			return err
		}
		if !found {
			e.logger.Warn("status sync: evaluation pipeline succeeded without a result artifact",
				"task_id", task.ID, "session_id", sess.ID)
			result = `{"error":"pipeline produced no evaluation artifact"}`
		}
		if err := e.store.CompleteAdvancedEvaluation(ctx, task.ID, result); err != nil && err != db.ErrConflict {
			return err
		}
		e.logger.Info("advanced evaluation completed", "task_id", task.ID, "session_id", sess.ID)
	case db.PipelineFailed:
		if err := e.store.FailAdvancedEvaluation(ctx, task.ID, "evaluation pipeline failed"); err != nil && err != db.ErrConflict {
			return err
		}
		e.logger.Warn("advanced evaluation failed", "task_id", task.ID, "session_id", sess.ID)
	case db.PipelineCanceled:
		// A canceled run said nothing about the task; put it back in line.
		if err := e.store.ResetAdvancedEvaluation(ctx, task.ID); err != nil && err != db.ErrConflict {
			return err
		}
		e.logger.Info("advanced evaluation canceled, task returned to pending",
			"task_id", task.ID, "session_id", sess.ID)
	}
	return nil
}

// evaluationArtifact finds the text artifact the evaluation pipeline
// reported for this task and returns its metadata as the stored result.
func (e *Engine) evaluationArtifact(ctx context.Context, sessionID, taskID string) (string, bool, error) {
	artifacts, err := e.store.ListArtifactsBySession(ctx, sessionID)
	if err != nil {
		return "", false, fmt.Errorf("list session artifacts: %w", err)
	}
	for _, a := range artifacts {
		if a.Type != db.ArtifactText {
			continue
		}
		meta := gjson.Parse(a.Metadata)
		if meta.Get("task_id").String() != taskID {
			continue
		}
		if !meta.Get("is_ready").Exists() {
			continue
		}
		return a.Metadata, true, nil
	}
	return "", false, nil
}

// syncImplementationOutcome closes out an implementation run.
func (e *Engine) syncImplementationOutcome(ctx context.Context, task *db.Task, sess *db.Session, status db.PipelineStatus) error {
	if task.ImplementationStatus != db.EvalImplementing || task.ImplSessionID != sess.ID {
		e.logger.Debug("status sync: implementation already resolved",
			"task_id", task.ID, "implementation_status", task.ImplementationStatus)
		return nil
	}

	switch status {
	case db.PipelineSuccess:
		artifacts, err := e.store.ListArtifactsBySession(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("list session artifacts: %w", err)
		}
		var mrs int
		for _, a := range artifacts {
			if a.Type == db.ArtifactMergeRequest {
				mrs++
			}
		}
		if mrs == 0 {
			e.logger.Warn("status sync: implementation pipeline succeeded without a merge request",
				"task_id", task.ID, "session_id", sess.ID)
		}
		if err := e.store.CompleteImplementation(ctx, task.ID); err != nil && err != db.ErrConflict {
			return err
		}
		e.logger.Info("implementation completed",
			"task_id", task.ID, "session_id", sess.ID, "merge_requests", mrs)
	case db.PipelineFailed:
		if err := e.store.FailImplementation(ctx, task.ID); err != nil && err != db.ErrConflict {
			return err
		}
		e.logger.Warn("implementation failed", "task_id", task.ID, "session_id", sess.ID)
	case db.PipelineCanceled:
		if err := e.store.CancelImplementation(ctx, task.ID); err != nil && err != db.ErrConflict {
			return err
		}
		e.logger.Info("implementation canceled", "task_id", task.ID, "session_id", sess.ID)
	}
	return nil
}
