package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/errors"
	"github.com/micros-ai/micros/internal/quota"
	"github.com/micros-ai/micros/internal/tracker"
)

// SyncResult summarizes one sync run.
type SyncResult struct {
	TasksCreated int      `json:"tasksCreated"`
	TasksUpdated int      `json:"tasksUpdated"`
	Published    int      `json:"tasksPublished"`
	Closed       int      `json:"tasksClosed"`
	Errors       []string `json:"errors"`
}

// SyncTaskSource runs the full sync algorithm for one task source: list
// remote issues, upsert changed ones, enqueue evaluations within quota,
// record high-water marks, then revalidate previously-open issues.
// Duplicate invocations are safe: upserts are keyed by unique_id.
func (e *Engine) SyncTaskSource(ctx context.Context, taskSourceID string) (*SyncResult, error) {
	startedAt := time.Now()
	result := &SyncResult{}

	if err := e.store.SetSyncStatus(ctx, taskSourceID, db.SyncSyncing, ""); err != nil {
		if err == db.ErrNotFound {
			return nil, errors.ErrTaskSourceNotFound(taskSourceID)
		}
		return nil, err
	}

	source, project, err := e.loadSyncTarget(ctx, taskSourceID)
	if err != nil {
		e.failSync(ctx, taskSourceID, err)
		return nil, err
	}

	trk, err := e.newTracker(ctx, source, e.tokens)
	if err != nil {
		e.failSync(ctx, taskSourceID, err)
		return nil, err
	}

	seen, err := e.store.SyncStates(ctx, taskSourceID)
	if err != nil {
		e.failSync(ctx, taskSourceID, err)
		return nil, err
	}

	issues, err := trk.List(ctx)
	if err != nil {
		e.failSync(ctx, taskSourceID, err)
		return nil, fmt.Errorf("list issues: %w", err)
	}

	observed := make(map[string]string, len(issues))
	for _, issue := range issues {
		observed[issue.ID] = issue.UpdatedAt.UTC().Format(time.RFC3339)

		prev, known := seen[issue.ID]
		if known && prev == observed[issue.ID] {
			continue
		}

		created, err := e.upsertIssue(ctx, source, issue, observed[issue.ID])
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("issue %s: %v", issue.ID, err))
			e.logger.Warn("sync: issue upsert failed",
				"task_source_id", taskSourceID, "issue_id", issue.ID, "error", err)
			continue
		}
		if created {
			result.TasksCreated++
		} else {
			result.TasksUpdated++
		}

		if e.publishEvaluation(ctx, source, project, issue) {
			result.Published++
		}
	}

	if err := e.store.BatchUpsertSyncStates(ctx, taskSourceID, observed); err != nil {
		e.failSync(ctx, taskSourceID, err)
		return nil, err
	}

	if err := e.store.FinishSync(ctx, taskSourceID, startedAt); err != nil {
		return nil, err
	}

	e.revalidate(ctx, source, trk, result)

	e.logger.Info("sync completed",
		"task_source_id", taskSourceID,
		"created", result.TasksCreated,
		"updated", result.TasksUpdated,
		"published", result.Published,
		"closed", result.Closed,
		"errors", len(result.Errors))
	return result, nil
}

// loadSyncTarget loads and validates the source and its project.
func (e *Engine) loadSyncTarget(ctx context.Context, taskSourceID string) (*db.TaskSource, *db.Project, error) {
	source, err := e.store.GetTaskSource(ctx, taskSourceID)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, nil, errors.ErrTaskSourceNotFound(taskSourceID)
		}
		return nil, nil, err
	}
	if !source.Enabled {
		return nil, nil, errors.ErrEntityDisabled("task source", taskSourceID)
	}
	if source.Type == db.SourceManual {
		return nil, nil, errors.ErrManualSource(taskSourceID)
	}

	project, err := e.store.GetProject(ctx, source.ProjectID)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, nil, errors.ErrProjectNotFound(source.ProjectID)
		}
		return nil, nil, err
	}
	if !project.Enabled {
		return nil, nil, errors.ErrEntityDisabled("project", project.ID)
	}
	return source, project, nil
}

func (e *Engine) failSync(ctx context.Context, taskSourceID string, cause error) {
	if err := e.store.SetSyncStatus(ctx, taskSourceID, db.SyncFailed, cause.Error()); err != nil {
		e.logger.Error("sync: could not record failure",
			"task_source_id", taskSourceID, "error", err)
	}
}

// upsertIssue writes the task and its sync-state row in one transaction.
// Returns whether a new task was created.
func (e *Engine) upsertIssue(ctx context.Context, source *db.TaskSource, issue tracker.Issue, updatedAt string) (bool, error) {
	_, err := e.store.GetTaskByUniqueID(ctx, issue.UniqueID())
	created := err == db.ErrNotFound
	if err != nil && err != db.ErrNotFound {
		return false, err
	}

	snapshot, err := json.Marshal(issue)
	if err != nil {
		return false, fmt.Errorf("marshal issue snapshot: %w", err)
	}

	task := &db.Task{
		ProjectID:    source.ProjectID,
		TaskSourceID: source.ID,
		UniqueID:     issue.UniqueID(),
		Title:        issue.Title,
		Description:  issue.Description,
		RemoteStatus: issue.RemoteStatus(),
		SourceIssue:  string(snapshot),
	}
	if err := e.store.UpsertTaskFromIssue(ctx, task, issue.ID, updatedAt); err != nil {
		return false, err
	}
	return created, nil
}

// publishEvaluation enqueues a simple evaluation for the issue's task if
// the owner's quota allows it. Quota rejections and missing owners leave
// the task pending for the eval scheduler.
func (e *Engine) publishEvaluation(ctx context.Context, source *db.TaskSource, project *db.Project, issue tracker.Issue) bool {
	if !issue.Open {
		return false
	}
	if project.OwnerUserID == "" {
		return false
	}

	if _, err := e.selector.Select(ctx, project.OwnerUserID, project.ID, db.QuotaSimple); err != nil {
		if quota.IsExceeded(err) {
			e.logger.Info("sync: quota exhausted, deferring evaluation",
				"task_source_id", source.ID, "issue_id", issue.ID, "user_id", project.OwnerUserID)
		} else {
			e.logger.Warn("sync: quota check failed",
				"task_source_id", source.ID, "issue_id", issue.ID, "error", err)
		}
		return false
	}

	task, err := e.store.GetTaskByUniqueID(ctx, issue.UniqueID())
	if err != nil {
		return false
	}
	if err := broker.PublishJSON(ctx, e.broker, broker.QueueEvaluate, broker.TaskMessage{TaskID: task.ID}); err != nil {
		e.logger.Warn("sync: publish evaluation failed", "task_id", task.ID, "error", err)
		return false
	}
	return true
}

// revalidate re-reads previously-open issues for providers that support it
// and closes tasks whose remote issue closed. Per-issue errors are
// collected but never fail the sync.
func (e *Engine) revalidate(ctx context.Context, source *db.TaskSource, trk tracker.Tracker, result *SyncResult) {
	rv, ok := trk.(tracker.Revalidator)
	if !ok {
		return
	}

	open, err := e.store.ListOpenTasksBySource(ctx, source.ID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("revalidation query: %v", err))
		return
	}

	for _, task := range open {
		issueID := gjson.Get(task.SourceIssue, "id").String()
		if issueID == "" {
			continue
		}
		stillOpen, err := rv.IsOpen(ctx, issueID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("revalidate %s: %v", task.UniqueID, err))
			continue
		}
		if stillOpen {
			continue
		}
		if err := e.store.SetRemoteStatus(ctx, task.UniqueID, db.RemoteClosed); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("close %s: %v", task.UniqueID, err))
			continue
		}
		result.Closed++
	}
}
