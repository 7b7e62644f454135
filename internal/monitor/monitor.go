// Package monitor reconciles local state with remote CI: a poller that
// re-checks executions whose status went quiet, and a recovery loop that
// unwedges tasks stuck in evaluation.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/micros-ai/micros/internal/ci"
	"github.com/micros-ai/micros/internal/db"
)

// pollAttempts bounds retries of one remote status fetch within a pass.
const pollAttempts = 3

// Engine is the reconciliation surface the monitor drives.
type Engine interface {
	RemotePipelineStatus(ctx context.Context, exec *db.PipelineExecution) (db.PipelineStatus, error)
	SyncExecutionStatus(ctx context.Context, exec *db.PipelineExecution, status db.PipelineStatus) error
}

// Monitor polls stale pipeline executions against CI and propagates status
// changes onto their tasks. It is the safety net for missed or dropped
// status updates; executions with a live feed never go stale.
type Monitor struct {
	store     *db.Store
	eng       Engine
	interval  time.Duration
	staleness time.Duration
	logger    *slog.Logger

	// retryBase is the first retry delay; doubled per attempt. Shortened
	// in tests.
	retryBase time.Duration
}

// New creates a Monitor.
func New(store *db.Store, eng Engine, interval, staleness time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:     store,
		eng:       eng,
		interval:  interval,
		staleness: staleness,
		logger:    logger,
		retryBase: time.Second,
	}
}

func (m *Monitor) Name() string { return "pipeline-monitor" }

func (m *Monitor) Run(ctx context.Context) error {
	m.Pass(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Pass(ctx)
		}
	}
}

// Pass checks every stale execution once. Exported for one-shot admin use.
func (m *Monitor) Pass(ctx context.Context) {
	execs, err := m.store.StalePipelineExecutions(ctx, m.staleness)
	if err != nil {
		m.logger.Error("monitor: stale query failed", "error", err)
		return
	}
	for i := range execs {
		m.checkExecution(ctx, &execs[i])
	}
	if len(execs) > 0 {
		m.logger.Info("monitor pass", "checked", len(execs))
	}
}

func (m *Monitor) checkExecution(ctx context.Context, exec *db.PipelineExecution) {
	status, err := m.fetchWithRetry(ctx, exec)
	if err != nil {
		// Leave the execution stale; the next pass tries again.
		m.logger.Warn("monitor: status fetch failed",
			"execution_id", exec.ID, "pipeline_id", exec.PipelineID, "error", err)
		return
	}

	if status == exec.Status {
		if err := m.store.TouchPipelineExecution(ctx, exec.ID); err != nil {
			m.logger.Error("monitor: touch failed", "execution_id", exec.ID, "error", err)
		}
		return
	}

	if err := m.store.UpdatePipelineStatus(ctx, exec.ID, status); err != nil && err != db.ErrConflict {
		m.logger.Error("monitor: status update failed", "execution_id", exec.ID, "error", err)
		return
	}
	m.logger.Info("monitor: pipeline status changed",
		"execution_id", exec.ID, "pipeline_id", exec.PipelineID,
		"from", exec.Status, "to", status)

	if err := m.eng.SyncExecutionStatus(ctx, exec, status); err != nil {
		m.logger.Error("monitor: task reconciliation failed", "execution_id", exec.ID, "error", err)
	}
}

// fetchWithRetry polls CI with exponential backoff. Client errors (4xx)
// fail immediately; transport faults and 5xx burn the retry budget.
func (m *Monitor) fetchWithRetry(ctx context.Context, exec *db.PipelineExecution) (db.PipelineStatus, error) {
	delay := m.retryBase
	var lastErr error
	for attempt := 1; attempt <= pollAttempts; attempt++ {
		status, err := m.eng.RemotePipelineStatus(ctx, exec)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !ci.IsRetryable(err, ci.StatusCode(err)) {
			return "", err
		}
		if attempt == pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}
