package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PipelineArtifact is an output reported by a pipeline run: a merge
// request, branch, commit, or an opaque result payload.
type PipelineArtifact struct {
	ID                  string
	PipelineExecutionID string
	Type                ArtifactType
	ReferenceURL        string
	Metadata            string // JSON blob
	CreatedAt           time.Time
}

const artifactCols = "id, pipeline_execution_id, artifact_type, reference_url, metadata, created_at"

// CreatePipelineArtifact inserts an artifact.
func (s *Store) CreatePipelineArtifact(ctx context.Context, a *PipelineArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	a.CreatedAt = time.Now()

	_, err := s.Exec(ctx, `
		INSERT INTO pipeline_artifacts (`+artifactCols+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.PipelineExecutionID, string(a.Type), nilIfEmpty(a.ReferenceURL), a.Metadata, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create pipeline artifact: %w", err)
	}
	return nil
}

// ListArtifactsByExecution returns an execution's artifacts, oldest first.
func (s *Store) ListArtifactsByExecution(ctx context.Context, executionID string) ([]PipelineArtifact, error) {
	rows, err := s.Query(ctx, "SELECT "+artifactCols+" FROM pipeline_artifacts WHERE pipeline_execution_id = ? ORDER BY created_at", executionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []PipelineArtifact
	for rows.Next() {
		var a PipelineArtifact
		var refURL sql.NullString
		var typ, createdAt string
		if err := rows.Scan(&a.ID, &a.PipelineExecutionID, &typ, &refURL, &a.Metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = ArtifactType(typ)
		a.ReferenceURL = nullStr(refURL)
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// ListArtifactsBySession returns all artifacts across a session's
// executions, oldest first.
func (s *Store) ListArtifactsBySession(ctx context.Context, sessionID string) ([]PipelineArtifact, error) {
	rows, err := s.Query(ctx, `
		SELECT a.id, a.pipeline_execution_id, a.artifact_type, a.reference_url, a.metadata, a.created_at
		FROM pipeline_artifacts a
		JOIN pipeline_executions pe ON pe.id = a.pipeline_execution_id
		WHERE pe.session_id = ?
		ORDER BY a.created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []PipelineArtifact
	for rows.Next() {
		var a PipelineArtifact
		var refURL sql.NullString
		var typ, createdAt string
		if err := rows.Scan(&a.ID, &a.PipelineExecutionID, &typ, &refURL, &a.Metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = ArtifactType(typ)
		a.ReferenceURL = nullStr(refURL)
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session artifacts: %w", err)
	}
	return artifacts, nil
}
