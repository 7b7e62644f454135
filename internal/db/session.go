package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session groups the pipeline executions of a single evaluation or
// implementation run.
type Session struct {
	ID        string
	TaskID    string
	Runner    Runner
	CreatedAt time.Time
}

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = time.Now()

	_, err := s.Exec(ctx, `
		INSERT INTO sessions (id, task_id, runner, created_at)
		VALUES (?, ?, ?, ?)
	`, sess.ID, nilIfEmpty(sess.TaskID), string(sess.Runner), fmtTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.QueryRow(ctx, "SELECT id, task_id, runner, created_at FROM sessions WHERE id = ?", id)

	var sess Session
	var taskID sql.NullString
	var runner, createdAt string
	if err := row.Scan(&sess.ID, &taskID, &runner, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.TaskID = nullStr(taskID)
	sess.Runner = Runner(runner)
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}
