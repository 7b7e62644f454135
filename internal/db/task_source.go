package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskSource is a configured connection to an external issue tracker.
type TaskSource struct {
	ID           string
	ProjectID    string
	Name         string
	Enabled      bool
	Type         SourceKind
	Config       string // JSON blob discriminated by Type
	SyncStatus   SyncStatus
	SyncError    string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const taskSourceCols = "id, project_id, name, enabled, type, config, sync_status, sync_error, last_synced_at, created_at, updated_at"

// CreateTaskSource inserts a task source.
func (s *Store) CreateTaskSource(ctx context.Context, ts *TaskSource) error {
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	if ts.SyncStatus == "" {
		ts.SyncStatus = SyncPending
	}
	if ts.Config == "" {
		ts.Config = "{}"
	}
	now := time.Now()
	ts.CreatedAt = now
	ts.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO task_sources (id, project_id, name, enabled, type, config, sync_status, sync_error, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ts.ID, ts.ProjectID, ts.Name, boolToInt(ts.Enabled), string(ts.Type), ts.Config, string(ts.SyncStatus),
		nilIfEmpty(ts.SyncError), fmtTimePtr(ts.LastSyncedAt), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create task source: %w", err)
	}
	return nil
}

// GetTaskSource retrieves a task source by ID.
func (s *Store) GetTaskSource(ctx context.Context, id string) (*TaskSource, error) {
	row := s.QueryRow(ctx, "SELECT "+taskSourceCols+" FROM task_sources WHERE id = ?", id)
	ts, err := scanTaskSource(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task source %s: %w", id, err)
	}
	return ts, nil
}

// ListTaskSourcesByProject returns all task sources of a project.
func (s *Store) ListTaskSourcesByProject(ctx context.Context, projectID string) ([]TaskSource, error) {
	rows, err := s.Query(ctx, "SELECT "+taskSourceCols+" FROM task_sources WHERE project_id = ? ORDER BY created_at", projectID)
	if err != nil {
		return nil, fmt.Errorf("list task sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTaskSources(rows)
}

// ListEnabledTaskSources returns every enabled, non-manual task source.
// Used by webhook ingress to match sources against a delivery.
func (s *Store) ListEnabledTaskSources(ctx context.Context) ([]TaskSource, error) {
	rows, err := s.Query(ctx, "SELECT "+taskSourceCols+" FROM task_sources WHERE enabled = 1 AND type != ? ORDER BY created_at", string(SourceManual))
	if err != nil {
		return nil, fmt.Errorf("list enabled task sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTaskSources(rows)
}

// SetSyncStatus transitions sync_status, recording the error reason for failures.
func (s *Store) SetSyncStatus(ctx context.Context, id string, status SyncStatus, reason string) error {
	res, err := s.Exec(ctx, `
		UPDATE task_sources SET sync_status = ?, sync_error = ?, updated_at = ? WHERE id = ?
	`, string(status), nilIfEmpty(reason), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishSync marks a sync run complete and records its start time as the
// high-water mark.
func (s *Store) FinishSync(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.Exec(ctx, `
		UPDATE task_sources SET sync_status = ?, sync_error = NULL, last_synced_at = ?, updated_at = ? WHERE id = ?
	`, string(SyncCompleted), fmtTime(startedAt), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	return nil
}

// TaskSourcesNeedingSync returns enabled non-manual sources that are either
// past the sync threshold or wedged in queued/syncing past the queued timeout.
// The two sets are distinguished by the Stuck flag.
type StaleTaskSource struct {
	TaskSource
	Stuck bool
}

func (s *Store) TaskSourcesNeedingSync(ctx context.Context, threshold, queuedTimeout time.Duration) ([]StaleTaskSource, error) {
	now := time.Now()
	staleCutoff := fmtTime(now.Add(-threshold))
	stuckCutoff := fmtTime(now.Add(-queuedTimeout))

	rows, err := s.Query(ctx, `
		SELECT `+taskSourceCols+` FROM task_sources
		WHERE enabled = 1 AND type != ?
		  AND (
		    (sync_status IN (?, ?, ?) AND (last_synced_at IS NULL OR last_synced_at < ?))
		    OR
		    (sync_status IN (?, ?) AND updated_at < ?)
		  )
		ORDER BY last_synced_at
	`, string(SourceManual),
		string(SyncPending), string(SyncCompleted), string(SyncFailed), staleCutoff,
		string(SyncQueued), string(SyncSyncing), stuckCutoff)
	if err != nil {
		return nil, fmt.Errorf("task sources needing sync: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sources, err := collectTaskSources(rows)
	if err != nil {
		return nil, err
	}

	result := make([]StaleTaskSource, 0, len(sources))
	for _, ts := range sources {
		stuck := ts.SyncStatus == SyncQueued || ts.SyncStatus == SyncSyncing
		result = append(result, StaleTaskSource{TaskSource: ts, Stuck: stuck})
	}
	return result, nil
}

func collectTaskSources(rows *sql.Rows) ([]TaskSource, error) {
	var sources []TaskSource
	for rows.Next() {
		ts, err := scanTaskSourceRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task source: %w", err)
		}
		sources = append(sources, *ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task sources: %w", err)
	}
	return sources, nil
}

func scanTaskSource(row *sql.Row) (*TaskSource, error) {
	var ts TaskSource
	var enabled int
	var syncError, lastSynced sql.NullString
	var kind, syncStatus, createdAt, updatedAt string

	if err := row.Scan(&ts.ID, &ts.ProjectID, &ts.Name, &enabled, &kind, &ts.Config, &syncStatus,
		&syncError, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	applyTaskSourceFields(&ts, enabled, kind, syncStatus, syncError, lastSynced, createdAt, updatedAt)
	return &ts, nil
}

func scanTaskSourceRows(rows *sql.Rows) (*TaskSource, error) {
	var ts TaskSource
	var enabled int
	var syncError, lastSynced sql.NullString
	var kind, syncStatus, createdAt, updatedAt string

	if err := rows.Scan(&ts.ID, &ts.ProjectID, &ts.Name, &enabled, &kind, &ts.Config, &syncStatus,
		&syncError, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	applyTaskSourceFields(&ts, enabled, kind, syncStatus, syncError, lastSynced, createdAt, updatedAt)
	return &ts, nil
}

func applyTaskSourceFields(ts *TaskSource, enabled int, kind, syncStatus string, syncError, lastSynced sql.NullString, createdAt, updatedAt string) {
	ts.Enabled = enabled == 1
	ts.Type = SourceKind(kind)
	ts.SyncStatus = SyncStatus(syncStatus)
	ts.SyncError = nullStr(syncError)
	ts.LastSyncedAt = parseTimePtr(lastSynced)
	ts.CreatedAt = parseTime(createdAt)
	ts.UpdatedAt = parseTime(updatedAt)
}
