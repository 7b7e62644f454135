package db

import (
	"context"
	"fmt"

	"github.com/micros-ai/micros/internal/db/driver"
)

// SyncStates loads the per-issue high-water marks for a task source as a
// map of issue ID to the remote updated-at string last seen.
func (s *Store) SyncStates(ctx context.Context, taskSourceID string) (map[string]string, error) {
	rows, err := s.Query(ctx, `
		SELECT issue_id, issue_updated_at FROM task_source_sync_state WHERE task_source_id = ?
	`, taskSourceID)
	if err != nil {
		return nil, fmt.Errorf("load sync states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := make(map[string]string)
	for rows.Next() {
		var issueID, updatedAt string
		if err := rows.Scan(&issueID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan sync state: %w", err)
		}
		states[issueID] = updatedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync states: %w", err)
	}
	return states, nil
}

// BatchUpsertSyncStates writes a batch of high-water marks in one
// transaction. Existing rows are overwritten.
func (s *Store) BatchUpsertSyncStates(ctx context.Context, taskSourceID string, states map[string]string) error {
	if len(states) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx driver.Tx) error {
		for issueID, updatedAt := range states {
			if err := upsertSyncState(ctx, tx, taskSourceID, issueID, updatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertSyncState(ctx context.Context, tx driver.Tx, taskSourceID, issueID, updatedAt string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO task_source_sync_state (task_source_id, issue_id, issue_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (task_source_id, issue_id) DO UPDATE SET issue_updated_at = excluded.issue_updated_at
	`, taskSourceID, issueID, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert sync state %s/%s: %w", taskSourceID, issueID, err)
	}
	return nil
}
