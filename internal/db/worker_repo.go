package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerRepository is the per-project GitLab repository whose CI pipelines
// run evaluations and implementations. At most one exists per project.
type WorkerRepository struct {
	ID             string
	ProjectID      string
	Source         string // JSON blob: repo URL, project ID, token secret ref
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const workerRepoCols = "id, project_id, source, current_version, created_at, updated_at"

// CreateWorkerRepository inserts a worker repository record.
func (s *Store) CreateWorkerRepository(ctx context.Context, wr *WorkerRepository) error {
	if wr.ID == "" {
		wr.ID = uuid.NewString()
	}
	if wr.Source == "" {
		wr.Source = "{}"
	}
	now := time.Now()
	wr.CreatedAt = now
	wr.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO worker_repositories (`+workerRepoCols+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, wr.ID, wr.ProjectID, wr.Source, wr.CurrentVersion, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create worker repository: %w", err)
	}
	return nil
}

// GetWorkerRepository retrieves a worker repository by ID.
func (s *Store) GetWorkerRepository(ctx context.Context, id string) (*WorkerRepository, error) {
	row := s.QueryRow(ctx, "SELECT "+workerRepoCols+" FROM worker_repositories WHERE id = ?", id)
	return scanWorkerRepo(row, fmt.Sprintf("get worker repository %s", id))
}

// GetWorkerRepositoryByProject retrieves the project's worker repository.
func (s *Store) GetWorkerRepositoryByProject(ctx context.Context, projectID string) (*WorkerRepository, error) {
	row := s.QueryRow(ctx, "SELECT "+workerRepoCols+" FROM worker_repositories WHERE project_id = ?", projectID)
	return scanWorkerRepo(row, fmt.Sprintf("get worker repository for project %s", projectID))
}

// SetWorkerRepositoryVersion records the template version currently pushed
// to the repository.
func (s *Store) SetWorkerRepositoryVersion(ctx context.Context, id string, version int) error {
	res, err := s.Exec(ctx, `
		UPDATE worker_repositories SET current_version = ?, updated_at = ? WHERE id = ?
	`, version, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set worker repository version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkerRepo(row *sql.Row, op string) (*WorkerRepository, error) {
	var wr WorkerRepository
	var createdAt, updatedAt string
	if err := row.Scan(&wr.ID, &wr.ProjectID, &wr.Source, &wr.CurrentVersion, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	wr.CreatedAt = parseTime(createdAt)
	wr.UpdatedAt = parseTime(updatedAt)
	return &wr, nil
}
