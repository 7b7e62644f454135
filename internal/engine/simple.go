package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/quota"
)

// simpleOutcome is the stored simple_result payload.
type simpleOutcome struct {
	Verdict      db.Verdict `json:"verdict"`
	Reason       string     `json:"reason,omitempty"`
	Categories   []string   `json:"categories,omitempty"`
	Model        string     `json:"model,omitempty"`
	InputTokens  int64      `json:"input_tokens,omitempty"`
	OutputTokens int64      `json:"output_tokens,omitempty"`
}

// RunSimple executes the in-process evaluation for one task. Safe under
// duplicate deliveries: only the claimant that wins the queued->evaluating
// transition calls the model. A returned error means the delivery should be
// retried; quota exhaustion and state mismatches are absorbed.
func (e *Engine) RunSimple(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if err == db.ErrNotFound {
			e.logger.Warn("simple eval: task vanished", "task_id", taskID)
			return nil
		}
		return err
	}

	if task.SimpleStatus != db.EvalPending && task.SimpleStatus != db.EvalQueued {
		e.logger.Debug("simple eval: nothing to do",
			"task_id", taskID, "simple_status", task.SimpleStatus)
		return nil
	}

	project, err := e.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	// Credentials are resolved before any state moves so a quota rejection
	// leaves the task pending for a later scheduler pass.
	sel, err := e.selector.Select(ctx, project.OwnerUserID, project.ID, db.QuotaSimple)
	if err != nil {
		if quota.IsExceeded(err) {
			e.logger.Info("simple eval: quota exhausted, leaving task pending",
				"task_id", taskID, "user_id", project.OwnerUserID)
			return nil
		}
		return fmt.Errorf("select credentials: %w", err)
	}
	if sel.Warning != "" {
		e.logger.Warn("simple eval: quota warning", "task_id", taskID, "warning", sel.Warning)
	}

	if task.SimpleStatus == db.EvalPending {
		if err := e.store.EnqueueSimpleEvaluation(ctx, taskID); err != nil && err != db.ErrConflict {
			return err
		}
	}
	if err := e.store.BeginSimpleEvaluation(ctx, taskID); err != nil {
		if err == db.ErrConflict {
			e.logger.Debug("simple eval: lost claim race", "task_id", taskID)
			return nil
		}
		return err
	}

	res, err := e.eval.Evaluate(ctx, sel.Config, task.Title, task.Description)
	if err != nil {
		// Put the task back so the redelivery can claim it again.
		if resetErr := e.store.ResetSimpleEvaluation(ctx, taskID); resetErr != nil && resetErr != db.ErrConflict {
			e.logger.Error("simple eval: reset after failure",
				"task_id", taskID, "error", resetErr)
		}
		return fmt.Errorf("evaluate task %s: %w", taskID, err)
	}

	outcome, _ := json.Marshal(simpleOutcome{
		Verdict:      res.Verdict,
		Reason:       res.Reason,
		Categories:   res.Categories,
		Model:        sel.Config.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	})
	if err := e.store.CompleteSimpleEvaluation(ctx, taskID, res.Verdict, string(outcome)); err != nil {
		if err == db.ErrConflict {
			return nil
		}
		return err
	}

	if sel.UsePlatformToken {
		if err := e.store.IncrementQuotaUsage(ctx, project.OwnerUserID, db.QuotaSimple); err != nil {
			e.logger.Error("simple eval: quota increment failed",
				"task_id", taskID, "user_id", project.OwnerUserID, "error", err)
		}
	}

	e.logger.Info("simple evaluation completed",
		"task_id", taskID, "verdict", res.Verdict, "reason", res.Reason)

	if res.Verdict == db.VerdictReady {
		// CompleteSimpleEvaluation moved advanced to pending; hand the task
		// straight to the advanced consumer instead of waiting a tick.
		if err := broker.PublishJSON(ctx, e.broker, broker.QueueEvaluate, broker.TaskMessage{TaskID: taskID}); err != nil {
			e.logger.Warn("simple eval: publish advanced follow-up failed",
				"task_id", taskID, "error", err)
		}
	}
	return nil
}
