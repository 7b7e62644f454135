package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/errors"
)

// HandleSync is the sync-queue consumer handler.
func (e *Engine) HandleSync(ctx context.Context, body []byte) error {
	var msg broker.SyncMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		e.logger.Error("sync consumer: malformed message", "error", err)
		return nil
	}
	_, err := e.SyncTaskSource(ctx, msg.TaskSourceID)
	return e.swallowTerminal(err, "sync consumer", "task_source_id", msg.TaskSourceID)
}

// HandleEvaluate is the evaluate-queue consumer handler. One queue serves
// both phases: the task's own state decides whether a delivery means a
// simple or an advanced run.
func (e *Engine) HandleEvaluate(ctx context.Context, body []byte) error {
	var msg broker.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		e.logger.Error("evaluate consumer: malformed message", "error", err)
		return nil
	}

	task, err := e.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		if err == db.ErrNotFound {
			e.logger.Warn("evaluate consumer: task vanished", "task_id", msg.TaskID)
			return nil
		}
		return err
	}

	switch {
	case task.SimpleStatus == db.EvalPending || task.SimpleStatus == db.EvalQueued:
		return e.swallowTerminal(e.RunSimple(ctx, msg.TaskID), "evaluate consumer", "task_id", msg.TaskID)
	case task.SimpleVerdict == db.VerdictReady &&
		(task.AdvancedStatus == db.EvalPending || task.AdvancedStatus == db.EvalQueued):
		return e.swallowTerminal(e.RunAdvanced(ctx, msg.TaskID), "evaluate consumer", "task_id", msg.TaskID)
	default:
		e.logger.Debug("evaluate consumer: task has no runnable phase",
			"task_id", msg.TaskID, "simple_status", task.SimpleStatus, "advanced_status", task.AdvancedStatus)
		return nil
	}
}

// HandleImplement is the implement-queue consumer handler.
func (e *Engine) HandleImplement(ctx context.Context, body []byte) error {
	var msg broker.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		e.logger.Error("implement consumer: malformed message", "error", err)
		return nil
	}
	return e.swallowTerminal(e.RunImplementation(ctx, msg.TaskID), "implement consumer", "task_id", msg.TaskID)
}

// swallowTerminal acks errors that redelivery can never fix (validation,
// not-found, disabled entities) after logging them; everything else
// propagates for the broker's retry budget.
func (e *Engine) swallowTerminal(err error, op string, args ...any) error {
	if err == nil {
		return nil
	}
	if engineErr := errors.AsEngineError(err); engineErr != nil && !engineErr.Category().Retryable() {
		e.logger.Warn(fmt.Sprintf("%s: dropping non-retryable failure", op),
			append(args, "error", err)...)
		return nil
	}
	return err
}
