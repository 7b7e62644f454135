package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Project is the root of ownership for all engine entities.
type Project struct {
	ID                string
	Name              string
	Enabled           bool
	OwnerUserID       string
	JobExecutorConfig string // JSON blob, opaque to the engine
	AIProviderConfigs string // JSON blob, opaque to the engine
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const projectCols = "id, name, enabled, owner_user_id, job_executor_config, ai_provider_configs, last_synced_at, created_at, updated_at"

// CreateProject inserts a project, assigning an ID when absent.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO projects (id, name, enabled, owner_user_id, job_executor_config, ai_provider_configs, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, boolToInt(p.Enabled), nilIfEmpty(p.OwnerUserID), nilIfEmpty(p.JobExecutorConfig), nilIfEmpty(p.AIProviderConfigs),
		fmtTimePtr(p.LastSyncedAt), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.QueryRow(ctx, "SELECT "+projectCols+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// UpdateProject rewrites mutable project fields.
func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now()
	_, err := s.Exec(ctx, `
		UPDATE projects
		SET name = ?, enabled = ?, owner_user_id = ?, job_executor_config = ?, ai_provider_configs = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, boolToInt(p.Enabled), nilIfEmpty(p.OwnerUserID), nilIfEmpty(p.JobExecutorConfig), nilIfEmpty(p.AIProviderConfigs),
		fmtTimePtr(p.LastSyncedAt), fmtTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// DeleteProject removes a project; owned entities cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	_, err := s.Exec(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var enabled int
	var owner, jobCfg, aiCfg, lastSynced sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.Name, &enabled, &owner, &jobCfg, &aiCfg, &lastSynced, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.Enabled = enabled == 1
	p.OwnerUserID = nullStr(owner)
	p.JobExecutorConfig = nullStr(jobCfg)
	p.AIProviderConfigs = nullStr(aiCfg)
	p.LastSyncedAt = parseTimePtr(lastSynced)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
