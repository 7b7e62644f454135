package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedProject(t *testing.T, store *db.Store) *db.Project {
	t.Helper()
	p := &db.Project{Name: "proj", Enabled: true, OwnerUserID: "user-1"}
	require.NoError(t, store.CreateProject(context.Background(), p))
	return p
}

func backdate(t *testing.T, store *db.Store, table, id string, by time.Duration) {
	t.Helper()
	past := time.Now().Add(-by).UTC().Format(time.RFC3339)
	_, err := store.Exec(context.Background(),
		"UPDATE "+table+" SET updated_at = ? WHERE id = ?", past, id)
	require.NoError(t, err)
}

func TestSyncSchedulerQueuesDueSources(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	mem := broker.NewMemory()
	p := seedProject(t, store)

	// Never synced: due immediately.
	due := &db.TaskSource{ProjectID: p.ID, Name: "due", Enabled: true, Type: db.SourceGitLabIssues}
	require.NoError(t, store.CreateTaskSource(ctx, due))

	// Freshly synced: not due.
	fresh := &db.TaskSource{ProjectID: p.ID, Name: "fresh", Enabled: true, Type: db.SourceGitHubIssues}
	require.NoError(t, store.CreateTaskSource(ctx, fresh))
	require.NoError(t, store.SetSyncStatus(ctx, fresh.ID, db.SyncSyncing, ""))
	require.NoError(t, store.FinishSync(ctx, fresh.ID, time.Now()))

	// Manual and disabled sources never sync.
	manual := &db.TaskSource{ProjectID: p.ID, Name: "manual", Enabled: true, Type: db.SourceManual}
	require.NoError(t, store.CreateTaskSource(ctx, manual))
	off := &db.TaskSource{ProjectID: p.ID, Name: "off", Enabled: false, Type: db.SourceJira}
	require.NoError(t, store.CreateTaskSource(ctx, off))

	s := NewSync(store, mem, time.Minute, 30*time.Minute, 2*time.Hour, discard())
	s.pass(ctx)

	msgs := mem.Drain(broker.QueueSync)
	require.Len(t, msgs, 1)
	var msg broker.SyncMessage
	require.NoError(t, json.Unmarshal(msgs[0], &msg))
	assert.Equal(t, due.ID, msg.TaskSourceID)
	assert.Equal(t, "gitlab_issues", msg.Provider)

	got, err := store.GetTaskSource(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SyncQueued, got.SyncStatus)

	// The queued source is no longer due on the next pass.
	s.pass(ctx)
	assert.Empty(t, mem.Drain(broker.QueueSync))
}

func TestSyncSchedulerRequeuesStuckSources(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	mem := broker.NewMemory()
	p := seedProject(t, store)

	src := &db.TaskSource{ProjectID: p.ID, Name: "wedged", Enabled: true, Type: db.SourceGitLabIssues}
	require.NoError(t, store.CreateTaskSource(ctx, src))
	require.NoError(t, store.SetSyncStatus(ctx, src.ID, db.SyncSyncing, ""))
	backdate(t, store, "task_sources", src.ID, 3*time.Hour)

	s := NewSync(store, mem, time.Minute, 30*time.Minute, 2*time.Hour, discard())
	s.pass(ctx)

	require.Len(t, mem.Drain(broker.QueueSync), 1)
	got, err := store.GetTaskSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SyncQueued, got.SyncStatus)
}

func TestEvalSchedulerPublishesPendingTasks(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestStore(t)
	mem := broker.NewMemory()
	p := seedProject(t, store)

	// Simple pending.
	simple := &db.Task{ProjectID: p.ID, Title: "a"}
	require.NoError(t, store.CreateTask(ctx, simple))

	// Advanced pending (simple already completed ready).
	adv := &db.Task{ProjectID: p.ID, Title: "b"}
	require.NoError(t, store.CreateTask(ctx, adv))
	require.NoError(t, store.EnqueueSimpleEvaluation(ctx, adv.ID))
	require.NoError(t, store.BeginSimpleEvaluation(ctx, adv.ID))
	require.NoError(t, store.CompleteSimpleEvaluation(ctx, adv.ID, db.VerdictReady, "{}"))

	// Closed remote issues are never re-published.
	closed := &db.Task{ProjectID: p.ID, Title: "c", RemoteStatus: db.RemoteClosed}
	require.NoError(t, store.CreateTask(ctx, closed))

	e := NewEval(store, mem, time.Minute, discard())
	e.pass(ctx)

	msgs := mem.Drain(broker.QueueEvaluate)
	require.Len(t, msgs, 2)
	ids := make(map[string]bool)
	for _, body := range msgs {
		var msg broker.TaskMessage
		require.NoError(t, json.Unmarshal(body, &msg))
		ids[msg.TaskID] = true
	}
	assert.True(t, ids[simple.ID])
	assert.True(t, ids[adv.ID])
}
