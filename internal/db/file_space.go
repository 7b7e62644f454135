package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileSpace is a target repository that implementation runs publish merge
// requests into.
type FileSpace struct {
	ID            string
	ProjectID     string
	Name          string
	Type          string
	Enabled       bool
	DefaultBranch string
	Config        string // JSON blob discriminated by Type
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const fileSpaceCols = "id, project_id, name, type, enabled, default_branch, config, created_at, updated_at"

// CreateFileSpace inserts a file space.
func (s *Store) CreateFileSpace(ctx context.Context, fs *FileSpace) error {
	if fs.ID == "" {
		fs.ID = uuid.NewString()
	}
	if fs.Config == "" {
		fs.Config = "{}"
	}
	now := time.Now()
	fs.CreatedAt = now
	fs.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO file_spaces (`+fileSpaceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fs.ID, fs.ProjectID, fs.Name, fs.Type, boolToInt(fs.Enabled), nilIfEmpty(fs.DefaultBranch),
		fs.Config, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create file space: %w", err)
	}
	return nil
}

// GetFileSpace retrieves a file space by ID.
func (s *Store) GetFileSpace(ctx context.Context, id string) (*FileSpace, error) {
	row := s.QueryRow(ctx, "SELECT "+fileSpaceCols+" FROM file_spaces WHERE id = ?", id)
	fs, err := scanFileSpace(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file space %s: %w", id, err)
	}
	return fs, nil
}

// ListEnabledFileSpaces returns a project's enabled file spaces.
func (s *Store) ListEnabledFileSpaces(ctx context.Context, projectID string) ([]FileSpace, error) {
	rows, err := s.Query(ctx, "SELECT "+fileSpaceCols+" FROM file_spaces WHERE project_id = ? AND enabled = 1 ORDER BY created_at", projectID)
	if err != nil {
		return nil, fmt.Errorf("list file spaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var spaces []FileSpace
	for rows.Next() {
		fs, err := scanFileSpace(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan file space: %w", err)
		}
		spaces = append(spaces, *fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file spaces: %w", err)
	}
	return spaces, nil
}

func scanFileSpace(scan func(dest ...any) error) (*FileSpace, error) {
	var fs FileSpace
	var enabled int
	var defaultBranch sql.NullString
	var createdAt, updatedAt string

	if err := scan(&fs.ID, &fs.ProjectID, &fs.Name, &fs.Type, &enabled, &defaultBranch,
		&fs.Config, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	fs.Enabled = enabled == 1
	fs.DefaultBranch = nullStr(defaultBranch)
	fs.CreatedAt = parseTime(createdAt)
	fs.UpdatedAt = parseTime(updatedAt)
	return &fs, nil
}
