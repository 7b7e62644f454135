package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micros-ai/micros/internal/db"
)

type fakeEngine struct {
	status  db.PipelineStatus
	errs    []error // consumed one per RemotePipelineStatus call
	fetches int
	synced  map[string]db.PipelineStatus // execution ID -> status handed to SyncExecutionStatus
}

func newFakeEngine(status db.PipelineStatus) *fakeEngine {
	return &fakeEngine{status: status, synced: make(map[string]db.PipelineStatus)}
}

func (f *fakeEngine) RemotePipelineStatus(ctx context.Context, exec *db.PipelineExecution) (db.PipelineStatus, error) {
	f.fetches++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return f.status, nil
}

func (f *fakeEngine) SyncExecutionStatus(ctx context.Context, exec *db.PipelineExecution, status db.PipelineStatus) error {
	f.synced[exec.ID] = status
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backdate(t *testing.T, store *db.Store, table, column, id string, by time.Duration) {
	t.Helper()
	past := time.Now().Add(-by).UTC().Format(time.RFC3339)
	_, err := store.Exec(context.Background(),
		"UPDATE "+table+" SET "+column+" = ? WHERE id = ?", past, id)
	require.NoError(t, err)
}

// seedExecution creates a worker repository and one pipeline execution old
// enough to be stale.
func seedExecution(t *testing.T, store *db.Store) *db.PipelineExecution {
	t.Helper()
	ctx := context.Background()

	p := &db.Project{Name: "proj", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))
	wr := &db.WorkerRepository{ProjectID: p.ID, Source: `{"host":"h","project":"g/w","secret_id":"s"}`}
	require.NoError(t, store.CreateWorkerRepository(ctx, wr))
	sess := &db.Session{Runner: db.RunnerEvaluation}
	require.NoError(t, store.CreateSession(ctx, sess))

	exec := &db.PipelineExecution{SessionID: sess.ID, WorkerRepositoryID: wr.ID, PipelineID: 1}
	require.NoError(t, store.CreatePipelineExecution(ctx, exec))
	backdate(t, store, "pipeline_executions", "created_at", exec.ID, time.Hour)
	return exec
}

func TestMonitorPropagatesStatusChange(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	exec := seedExecution(t, store)
	eng := newFakeEngine(db.PipelineSuccess)

	m := New(store, eng, time.Minute, 30*time.Minute, discard())
	m.Pass(ctx)

	got, err := store.GetPipelineExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineSuccess, got.Status)
	assert.Equal(t, db.PipelineSuccess, eng.synced[exec.ID])
}

func TestMonitorTouchesUnchangedExecution(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	exec := seedExecution(t, store)
	eng := newFakeEngine(db.PipelinePending)

	m := New(store, eng, time.Minute, 30*time.Minute, discard())
	m.Pass(ctx)

	got, err := store.GetPipelineExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelinePending, got.Status)
	require.NotNil(t, got.LastStatusUpdate)
	assert.Empty(t, eng.synced)

	// The touched execution drops out of the stale set.
	stale, err := store.StalePipelineExecutions(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMonitorRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	exec := seedExecution(t, store)
	eng := newFakeEngine(db.PipelineFailed)
	eng.errs = []error{errors.New("connection refused"), errors.New("connection refused")}

	m := New(store, eng, time.Minute, 30*time.Minute, discard())
	m.retryBase = time.Millisecond
	m.Pass(ctx)

	assert.Equal(t, 3, eng.fetches)
	got, err := store.GetPipelineExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelineFailed, got.Status)
}

func TestMonitorLeavesExecutionOnExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	exec := seedExecution(t, store)
	eng := newFakeEngine(db.PipelineFailed)
	eng.errs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	m := New(store, eng, time.Minute, 30*time.Minute, discard())
	m.retryBase = time.Millisecond
	m.Pass(ctx)

	assert.Equal(t, 3, eng.fetches)
	got, err := store.GetPipelineExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PipelinePending, got.Status, "failed fetch leaves the record for the next pass")
	assert.Empty(t, eng.synced)
}

// stuckTask seeds a task wedged in advanced evaluation, optionally with a
// pipeline execution in the given status.
func stuckTask(t *testing.T, store *db.Store, execStatus db.PipelineStatus) (*db.Task, *db.PipelineExecution) {
	t.Helper()
	ctx := context.Background()

	p := &db.Project{Name: "proj", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(ctx, p))
	task := &db.Task{ProjectID: p.ID, Title: "t"}
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.EnqueueSimpleEvaluation(ctx, task.ID))
	require.NoError(t, store.BeginSimpleEvaluation(ctx, task.ID))
	require.NoError(t, store.CompleteSimpleEvaluation(ctx, task.ID, db.VerdictReady, "{}"))
	require.NoError(t, store.EnqueueAdvancedEvaluation(ctx, task.ID))

	sess := &db.Session{TaskID: task.ID, Runner: db.RunnerEvaluation}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NoError(t, store.BeginAdvancedEvaluation(ctx, task.ID, sess.ID))

	var exec *db.PipelineExecution
	if execStatus != "" {
		wr := &db.WorkerRepository{ProjectID: p.ID, Source: `{"host":"h","project":"g/w","secret_id":"s"}`}
		require.NoError(t, store.CreateWorkerRepository(ctx, wr))
		exec = &db.PipelineExecution{SessionID: sess.ID, WorkerRepositoryID: wr.ID, PipelineID: 9}
		require.NoError(t, store.CreatePipelineExecution(ctx, exec))
		if execStatus != db.PipelinePending {
			require.NoError(t, store.UpdatePipelineStatus(ctx, exec.ID, execStatus))
		}
	}

	backdate(t, store, "tasks", "updated_at", task.ID, 2*time.Hour)
	return task, exec
}

func TestRecoveryResetsTaskWithoutExecution(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	task, _ := stuckTask(t, store, "")
	eng := newFakeEngine(db.PipelinePending)

	r := NewRecovery(store, eng, time.Minute, time.Hour, discard())
	r.Pass(ctx)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.EvalPending, got.AdvancedStatus)
	assert.Empty(t, got.EvalSessionID)
}

func TestRecoveryReplaysTerminalExecution(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	_, exec := stuckTask(t, store, db.PipelineFailed)
	eng := newFakeEngine(db.PipelinePending)

	r := NewRecovery(store, eng, time.Minute, time.Hour, discard())
	r.Pass(ctx)

	assert.Equal(t, db.PipelineFailed, eng.synced[exec.ID])
}

func TestRecoveryLeavesInFlightExecution(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	task, _ := stuckTask(t, store, db.PipelineRunning)
	eng := newFakeEngine(db.PipelinePending)

	r := NewRecovery(store, eng, time.Minute, time.Hour, discard())
	r.Pass(ctx)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.EvalEvaluating, got.AdvancedStatus)
	assert.Empty(t, eng.synced)
}
