package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PipelineExecution tracks one CI pipeline triggered on a worker repository.
type PipelineExecution struct {
	ID                 string
	SessionID          string
	WorkerRepositoryID string
	PipelineID         int64
	Status             PipelineStatus
	LastStatusUpdate   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const pipelineCols = "id, session_id, worker_repository_id, pipeline_id, status, last_status_update, created_at, updated_at"

// CreatePipelineExecution inserts an execution record.
func (s *Store) CreatePipelineExecution(ctx context.Context, pe *PipelineExecution) error {
	if pe.ID == "" {
		pe.ID = uuid.NewString()
	}
	if pe.Status == "" {
		pe.Status = PipelinePending
	}
	now := time.Now()
	pe.CreatedAt = now
	pe.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO pipeline_executions (`+pipelineCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, pe.ID, nilIfEmpty(pe.SessionID), pe.WorkerRepositoryID, pe.PipelineID, string(pe.Status),
		fmtTimePtr(pe.LastStatusUpdate), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create pipeline execution: %w", err)
	}
	return nil
}

// GetPipelineExecution retrieves an execution by ID.
func (s *Store) GetPipelineExecution(ctx context.Context, id string) (*PipelineExecution, error) {
	row := s.QueryRow(ctx, "SELECT "+pipelineCols+" FROM pipeline_executions WHERE id = ?", id)
	pe, err := scanPipelineExecution(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline execution %s: %w", id, err)
	}
	return pe, nil
}

// ListPipelineExecutionsBySession returns a session's executions,
// oldest first.
func (s *Store) ListPipelineExecutionsBySession(ctx context.Context, sessionID string) ([]PipelineExecution, error) {
	rows, err := s.Query(ctx, "SELECT "+pipelineCols+" FROM pipeline_executions WHERE session_id = ? ORDER BY created_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pipeline executions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectPipelineExecutions(rows)
}

// UpdatePipelineStatus records a status observation. Rows already in a
// terminal status never change: a late or reordered poll result must not
// resurrect a finished pipeline.
func (s *Store) UpdatePipelineStatus(ctx context.Context, id string, status PipelineStatus) error {
	now := fmtTime(time.Now())
	res, err := s.Exec(ctx, `
		UPDATE pipeline_executions
		SET status = ?, last_status_update = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, string(status), now, now, id,
		string(PipelineSuccess), string(PipelineFailed), string(PipelineCanceled))
	if err != nil {
		return fmt.Errorf("update pipeline status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// TouchPipelineExecution refreshes last_status_update without changing the
// status, keeping an unchanged-but-alive pipeline out of the stale set.
func (s *Store) TouchPipelineExecution(ctx context.Context, id string) error {
	now := fmtTime(time.Now())
	_, err := s.Exec(ctx, `
		UPDATE pipeline_executions SET last_status_update = ?, updated_at = ? WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("touch pipeline execution: %w", err)
	}
	return nil
}

// StalePipelineExecutions returns non-terminal executions whose status has
// not been confirmed within staleness.
func (s *Store) StalePipelineExecutions(ctx context.Context, staleness time.Duration) ([]PipelineExecution, error) {
	cutoff := fmtTime(time.Now().Add(-staleness))
	rows, err := s.Query(ctx, `
		SELECT `+pipelineCols+` FROM pipeline_executions
		WHERE status IN (?, ?)
		  AND (last_status_update IS NULL AND created_at < ? OR last_status_update < ?)
		ORDER BY created_at
	`, string(PipelinePending), string(PipelineRunning), cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale pipeline executions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectPipelineExecutions(rows)
}

func collectPipelineExecutions(rows *sql.Rows) ([]PipelineExecution, error) {
	var execs []PipelineExecution
	for rows.Next() {
		pe, err := scanPipelineExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline execution: %w", err)
		}
		execs = append(execs, *pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline executions: %w", err)
	}
	return execs, nil
}

func scanPipelineExecution(scan func(dest ...any) error) (*PipelineExecution, error) {
	var pe PipelineExecution
	var sessionID, lastUpdate sql.NullString
	var status, createdAt, updatedAt string

	if err := scan(&pe.ID, &sessionID, &pe.WorkerRepositoryID, &pe.PipelineID, &status,
		&lastUpdate, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	pe.SessionID = nullStr(sessionID)
	pe.Status = PipelineStatus(status)
	pe.LastStatusUpdate = parseTimePtr(lastUpdate)
	pe.CreatedAt = parseTime(createdAt)
	pe.UpdatedAt = parseTime(updatedAt)
	return &pe, nil
}
