// Package scheduler runs the periodic producers: the sync scheduler that
// requeues stale task sources, and the eval scheduler that re-publishes
// tasks left pending by quota rejections or lost messages.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/db"
)

// pendingBatch bounds how many tasks one eval-scheduler pass re-publishes
// per phase.
const pendingBatch = 100

// Sync periodically finds task sources due for a sync and hands them to the
// sync queue.
type Sync struct {
	store         *db.Store
	broker        broker.Broker
	interval      time.Duration
	threshold     time.Duration
	queuedTimeout time.Duration
	logger        *slog.Logger
}

// NewSync creates the sync scheduler.
func NewSync(store *db.Store, b broker.Broker, interval, threshold, queuedTimeout time.Duration, logger *slog.Logger) *Sync {
	return &Sync{
		store:         store,
		broker:        b,
		interval:      interval,
		threshold:     threshold,
		queuedTimeout: queuedTimeout,
		logger:        logger,
	}
}

func (s *Sync) Name() string { return "sync-scheduler" }

// Run ticks until ctx is canceled, with one pass up front so a restart
// does not wait a full interval.
func (s *Sync) Run(ctx context.Context) error {
	s.pass(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// pass enqueues every source due for a sync. Marking the source queued
// before publishing keeps concurrent scheduler instances from double-
// enqueueing: the loser's stale snapshot no longer matches the query on
// its next pass.
func (s *Sync) pass(ctx context.Context) {
	sources, err := s.store.TaskSourcesNeedingSync(ctx, s.threshold, s.queuedTimeout)
	if err != nil {
		s.logger.Error("sync scheduler: query failed", "error", err)
		return
	}

	var queued, stuck int
	for _, src := range sources {
		if src.Stuck {
			stuck++
			s.logger.Warn("sync scheduler: requeueing stuck sync",
				"task_source_id", src.ID, "sync_status", src.SyncStatus, "updated_at", src.UpdatedAt)
		}
		if err := s.store.SetSyncStatus(ctx, src.ID, db.SyncQueued, ""); err != nil {
			s.logger.Error("sync scheduler: mark queued failed", "task_source_id", src.ID, "error", err)
			continue
		}
		if err := broker.PublishJSON(ctx, s.broker, broker.QueueSync, broker.SyncMessage{
			TaskSourceID: src.ID,
			Provider:     string(src.Type),
		}); err != nil {
			s.logger.Error("sync scheduler: publish failed", "task_source_id", src.ID, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 || stuck > 0 {
		s.logger.Info("sync scheduler pass", "queued", queued, "stuck_requeued", stuck)
	}
}

// Eval periodically re-publishes tasks sitting in a pending phase. Pending
// tasks exist when quota blocked them at sync time or a queue message was
// lost; duplicates are harmless because consumers claim through
// compare-and-update transitions.
type Eval struct {
	store    *db.Store
	broker   broker.Broker
	interval time.Duration
	logger   *slog.Logger
}

// NewEval creates the eval scheduler.
func NewEval(store *db.Store, b broker.Broker, interval time.Duration, logger *slog.Logger) *Eval {
	return &Eval{store: store, broker: b, interval: interval, logger: logger}
}

func (e *Eval) Name() string { return "eval-scheduler" }

func (e *Eval) Run(ctx context.Context) error {
	e.pass(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.pass(ctx)
		}
	}
}

func (e *Eval) pass(ctx context.Context) {
	published := e.publishPending(ctx, e.store.TasksWithSimplePending, "simple")
	published += e.publishPending(ctx, e.store.TasksWithAdvancedPending, "advanced")
	if published > 0 {
		e.logger.Info("eval scheduler pass", "published", published)
	}
}

func (e *Eval) publishPending(ctx context.Context, query func(context.Context, int) ([]db.Task, error), phase string) int {
	tasks, err := query(ctx, pendingBatch)
	if err != nil {
		e.logger.Error("eval scheduler: query failed", "phase", phase, "error", err)
		return 0
	}
	var published int
	for _, task := range tasks {
		if err := broker.PublishJSON(ctx, e.broker, broker.QueueEvaluate, broker.TaskMessage{TaskID: task.ID}); err != nil {
			e.logger.Error("eval scheduler: publish failed", "task_id", task.ID, "error", err)
			continue
		}
		published++
	}
	return published
}
