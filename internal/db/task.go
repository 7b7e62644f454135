package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/micros-ai/micros/internal/db/driver"
)

// Task is a tracked unit of work derived from an external issue (or created
// manually). The three phase columns advance independently:
//
//	simple_status:         pending -> queued -> evaluating -> completed | failed
//	advanced_status:       not_started -> pending -> queued -> evaluating -> completed | failed | canceled
//	implementation_status: not_started -> queued -> implementing -> completed | failed | canceled
//
// Every forward transition is a compare-and-update keyed on the expected
// prior status; a lost race surfaces as ErrConflict and the caller drops
// the work instead of double-running it.
type Task struct {
	ID                   string
	ProjectID            string
	TaskSourceID         string
	UniqueID             string
	Title                string
	Description          string
	Status               string
	RemoteStatus         RemoteStatus
	SourceIssue          string // JSON snapshot of the normalized issue
	SimpleStatus         EvalStatus
	SimpleVerdict        Verdict
	SimpleResult         string
	AdvancedStatus       EvalStatus
	AdvancedResult       string
	ImplementationStatus EvalStatus
	EvalSessionID        string
	ImplSessionID        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const taskCols = "id, project_id, task_source_id, unique_id, title, description, status, remote_status, source_issue, simple_status, simple_verdict, simple_result, advanced_status, advanced_result, implementation_status, eval_session_id, impl_session_id, created_at, updated_at"

// CreateTask inserts a manually-created task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.UniqueID == "" {
		t.UniqueID = "manual-" + t.ID
	}
	applyTaskDefaults(t)
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, nilIfEmpty(t.TaskSourceID), t.UniqueID, t.Title, nilIfEmpty(t.Description),
		t.Status, string(t.RemoteStatus), t.SourceIssue,
		string(t.SimpleStatus), nilIfEmpty(string(t.SimpleVerdict)), nilIfEmpty(t.SimpleResult),
		string(t.AdvancedStatus), nilIfEmpty(t.AdvancedResult), string(t.ImplementationStatus),
		nilIfEmpty(t.EvalSessionID), nilIfEmpty(t.ImplSessionID), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func applyTaskDefaults(t *Task) {
	if t.Status == "" {
		t.Status = "open"
	}
	if t.RemoteStatus == "" {
		t.RemoteStatus = RemoteOpened
	}
	if t.SourceIssue == "" {
		t.SourceIssue = "{}"
	}
	if t.SimpleStatus == "" {
		t.SimpleStatus = EvalPending
	}
	if t.AdvancedStatus == "" {
		t.AdvancedStatus = EvalNotStarted
	}
	if t.ImplementationStatus == "" {
		t.ImplementationStatus = EvalNotStarted
	}
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.QueryRow(ctx, "SELECT "+taskCols+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTaskByUniqueID retrieves a task by its provider-derived unique ID.
func (s *Store) GetTaskByUniqueID(ctx context.Context, uniqueID string) (*Task, error) {
	row := s.QueryRow(ctx, "SELECT "+taskCols+" FROM tasks WHERE unique_id = ?", uniqueID)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task by unique id %s: %w", uniqueID, err)
	}
	return t, nil
}

// ListTasksBySource returns all tasks of a task source.
func (s *Store) ListTasksBySource(ctx context.Context, taskSourceID string) ([]Task, error) {
	rows, err := s.Query(ctx, "SELECT "+taskCols+" FROM tasks WHERE task_source_id = ? ORDER BY created_at", taskSourceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by source: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// UpsertTaskFromIssue writes a synced issue and its high-water mark in one
// transaction. New issues insert with fresh phase columns; known issues only
// refresh the remote snapshot so in-flight evaluation state is never
// clobbered by a re-sync.
func (s *Store) UpsertTaskFromIssue(ctx context.Context, t *Task, issueID, issueUpdatedAt string) error {
	applyTaskDefaults(t)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	return s.inTx(ctx, func(tx driver.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (`+taskCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (unique_id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				remote_status = excluded.remote_status,
				source_issue = excluded.source_issue,
				updated_at = excluded.updated_at
		`, t.ID, t.ProjectID, nilIfEmpty(t.TaskSourceID), t.UniqueID, t.Title, nilIfEmpty(t.Description),
			t.Status, string(t.RemoteStatus), t.SourceIssue,
			string(t.SimpleStatus), nilIfEmpty(string(t.SimpleVerdict)), nilIfEmpty(t.SimpleResult),
			string(t.AdvancedStatus), nilIfEmpty(t.AdvancedResult), string(t.ImplementationStatus),
			nilIfEmpty(t.EvalSessionID), nilIfEmpty(t.ImplSessionID), fmtTime(now), fmtTime(now))
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", t.UniqueID, err)
		}
		return upsertSyncState(ctx, tx, t.TaskSourceID, issueID, issueUpdatedAt)
	})
}

// ListOpenTasksBySource returns a source's tasks whose remote issue was
// last seen open. Input to the revalidation sweep.
func (s *Store) ListOpenTasksBySource(ctx context.Context, taskSourceID string) ([]Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskCols+` FROM tasks WHERE task_source_id = ? AND remote_status = ? ORDER BY created_at
	`, taskSourceID, string(RemoteOpened))
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// SetRemoteStatus records the remote open/closed state observed during sync
// or revalidation.
func (s *Store) SetRemoteStatus(ctx context.Context, uniqueID string, status RemoteStatus) error {
	res, err := s.Exec(ctx, `
		UPDATE tasks SET remote_status = ?, updated_at = ? WHERE unique_id = ?
	`, string(status), fmtTime(time.Now()), uniqueID)
	if err != nil {
		return fmt.Errorf("set remote status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Simple evaluation transitions ---

// EnqueueSimpleEvaluation moves pending -> queued.
func (s *Store) EnqueueSimpleEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET simple_status = ?, updated_at = ?
		WHERE id = ? AND simple_status = ?
	`, string(EvalQueued), fmtTime(time.Now()), id, string(EvalPending))
}

// BeginSimpleEvaluation moves queued -> evaluating; the consumer that wins
// the race owns the task.
func (s *Store) BeginSimpleEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET simple_status = ?, updated_at = ?
		WHERE id = ? AND simple_status = ?
	`, string(EvalEvaluating), fmtTime(time.Now()), id, string(EvalQueued))
}

// CompleteSimpleEvaluation moves evaluating -> completed, recording the
// verdict and raw result. A ready verdict auto-advances a never-started
// advanced phase to pending.
func (s *Store) CompleteSimpleEvaluation(ctx context.Context, id string, verdict Verdict, result string) error {
	return s.transition(ctx, `
		UPDATE tasks SET
			simple_status = ?,
			simple_verdict = ?,
			simple_result = ?,
			advanced_status = CASE WHEN ? = 'ready' AND advanced_status = ? THEN ? ELSE advanced_status END,
			updated_at = ?
		WHERE id = ? AND simple_status = ?
	`, string(EvalCompleted), string(verdict), nilIfEmpty(result),
		string(verdict), string(EvalNotStarted), string(EvalPending),
		fmtTime(time.Now()), id, string(EvalEvaluating))
}

// ResetSimpleEvaluation returns evaluating -> pending so a transient
// failure can be retried by a later delivery.
func (s *Store) ResetSimpleEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET simple_status = ?, updated_at = ?
		WHERE id = ? AND simple_status = ?
	`, string(EvalPending), fmtTime(time.Now()), id, string(EvalEvaluating))
}

// FailSimpleEvaluation moves evaluating -> failed with the error recorded
// as the result.
func (s *Store) FailSimpleEvaluation(ctx context.Context, id, reason string) error {
	return s.transition(ctx, `
		UPDATE tasks SET simple_status = ?, simple_result = ?, updated_at = ?
		WHERE id = ? AND simple_status = ?
	`, string(EvalFailed), nilIfEmpty(reason), fmtTime(time.Now()), id, string(EvalEvaluating))
}

// --- Advanced evaluation transitions ---

// RequestAdvancedEvaluation moves a settled advanced phase back to pending.
func (s *Store) RequestAdvancedEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, advanced_result = NULL, updated_at = ?
		WHERE id = ? AND advanced_status IN (?, ?, ?, ?)
	`, string(EvalPending), fmtTime(time.Now()), id,
		string(EvalNotStarted), string(EvalCompleted), string(EvalFailed), string(EvalCanceled))
}

// EnqueueAdvancedEvaluation moves pending -> queued.
func (s *Store) EnqueueAdvancedEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, updated_at = ?
		WHERE id = ? AND advanced_status = ?
	`, string(EvalQueued), fmtTime(time.Now()), id, string(EvalPending))
}

// BeginAdvancedEvaluation moves queued -> evaluating and binds the session.
func (s *Store) BeginAdvancedEvaluation(ctx context.Context, id, sessionID string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, eval_session_id = ?, updated_at = ?
		WHERE id = ? AND advanced_status = ?
	`, string(EvalEvaluating), sessionID, fmtTime(time.Now()), id, string(EvalQueued))
}

// CompleteAdvancedEvaluation moves evaluating -> completed with the result.
func (s *Store) CompleteAdvancedEvaluation(ctx context.Context, id, result string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, advanced_result = ?, updated_at = ?
		WHERE id = ? AND advanced_status = ?
	`, string(EvalCompleted), nilIfEmpty(result), fmtTime(time.Now()), id, string(EvalEvaluating))
}

// FailAdvancedEvaluation moves evaluating -> failed.
func (s *Store) FailAdvancedEvaluation(ctx context.Context, id, reason string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, advanced_result = ?, updated_at = ?
		WHERE id = ? AND advanced_status = ?
	`, string(EvalFailed), nilIfEmpty(reason), fmtTime(time.Now()), id, string(EvalEvaluating))
}

// CancelAdvancedEvaluation moves evaluating -> canceled.
func (s *Store) CancelAdvancedEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, updated_at = ?
		WHERE id = ? AND advanced_status = ?
	`, string(EvalCanceled), fmtTime(time.Now()), id, string(EvalEvaluating))
}

// ResetAdvancedEvaluation returns a stuck evaluating task to pending so the
// scheduler re-enqueues it. Recovery-only path.
func (s *Store) ResetAdvancedEvaluation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET advanced_status = ?, eval_session_id = NULL, updated_at = ?
		WHERE id = ? AND advanced_status = ?
	`, string(EvalPending), fmtTime(time.Now()), id, string(EvalEvaluating))
}

// --- Implementation transitions ---

// EnqueueImplementation moves not_started, failed or canceled -> queued.
// The caller has already verified the verdict is ready.
func (s *Store) EnqueueImplementation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET implementation_status = ?, updated_at = ?
		WHERE id = ? AND implementation_status IN (?, ?, ?)
	`, string(EvalQueued), fmtTime(time.Now()), id,
		string(EvalNotStarted), string(EvalFailed), string(EvalCanceled))
}

// BeginImplementation moves queued -> implementing and binds the session.
func (s *Store) BeginImplementation(ctx context.Context, id, sessionID string) error {
	return s.transition(ctx, `
		UPDATE tasks SET implementation_status = ?, impl_session_id = ?, updated_at = ?
		WHERE id = ? AND implementation_status = ?
	`, string(EvalImplementing), sessionID, fmtTime(time.Now()), id, string(EvalQueued))
}

// CompleteImplementation moves implementing -> completed.
func (s *Store) CompleteImplementation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET implementation_status = ?, updated_at = ?
		WHERE id = ? AND implementation_status = ?
	`, string(EvalCompleted), fmtTime(time.Now()), id, string(EvalImplementing))
}

// FailImplementation moves implementing -> failed.
func (s *Store) FailImplementation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET implementation_status = ?, updated_at = ?
		WHERE id = ? AND implementation_status = ?
	`, string(EvalFailed), fmtTime(time.Now()), id, string(EvalImplementing))
}

// CancelImplementation moves implementing -> canceled. Canceled is terminal;
// only an explicit user re-request leaves it.
func (s *Store) CancelImplementation(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE tasks SET implementation_status = ?, updated_at = ?
		WHERE id = ? AND implementation_status = ?
	`, string(EvalCanceled), fmtTime(time.Now()), id, string(EvalImplementing))
}

// --- Engine queries ---

// TasksWithSimplePending returns open-remote tasks awaiting simple
// evaluation, oldest first.
func (s *Store) TasksWithSimplePending(ctx context.Context, limit int) ([]Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE simple_status = ? AND remote_status = ?
		ORDER BY created_at LIMIT ?
	`, string(EvalPending), string(RemoteOpened), limit)
	if err != nil {
		return nil, fmt.Errorf("tasks with simple pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// TasksWithAdvancedPending returns open-remote tasks awaiting advanced
// evaluation, oldest first.
func (s *Store) TasksWithAdvancedPending(ctx context.Context, limit int) ([]Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE advanced_status = ? AND remote_status = ?
		ORDER BY created_at LIMIT ?
	`, string(EvalPending), string(RemoteOpened), limit)
	if err != nil {
		return nil, fmt.Errorf("tasks with advanced pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// StuckEvaluatingTasks returns tasks that have sat in an active advanced
// evaluation longer than threshold. Recovery input only.
func (s *Store) StuckEvaluatingTasks(ctx context.Context, threshold time.Duration) ([]Task, error) {
	cutoff := fmtTime(time.Now().Add(-threshold))
	rows, err := s.Query(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE advanced_status = ? AND updated_at < ?
		ORDER BY updated_at
	`, string(EvalEvaluating), cutoff)
	if err != nil {
		return nil, fmt.Errorf("stuck evaluating tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// transition runs a compare-and-update; zero affected rows means the task
// was not in the expected state and the caller lost the race.
func (s *Store) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("task transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var sourceID, description, simpleVerdict, simpleResult, advancedResult, evalSession, implSession sql.NullString
	var remoteStatus, simpleStatus, advancedStatus, implStatus, createdAt, updatedAt string

	if err := scan(&t.ID, &t.ProjectID, &sourceID, &t.UniqueID, &t.Title, &description,
		&t.Status, &remoteStatus, &t.SourceIssue,
		&simpleStatus, &simpleVerdict, &simpleResult,
		&advancedStatus, &advancedResult, &implStatus,
		&evalSession, &implSession, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.TaskSourceID = nullStr(sourceID)
	t.Description = nullStr(description)
	t.RemoteStatus = RemoteStatus(remoteStatus)
	t.SimpleStatus = EvalStatus(simpleStatus)
	t.SimpleVerdict = Verdict(nullStr(simpleVerdict))
	t.SimpleResult = nullStr(simpleResult)
	t.AdvancedStatus = EvalStatus(advancedStatus)
	t.AdvancedResult = nullStr(advancedResult)
	t.ImplementationStatus = EvalStatus(implStatus)
	t.EvalSessionID = nullStr(evalSession)
	t.ImplSessionID = nullStr(implSession)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
