// Package engine implements the task pipelines: tracker sync, the
// two-phase evaluation flow, implementation runs, and the shared
// pipeline-status reconciliation they all converge on.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/ci"
	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/errors"
	"github.com/micros-ai/micros/internal/evaluator"
	"github.com/micros-ai/micros/internal/quota"
	"github.com/micros-ai/micros/internal/tracker"
)

// CIPipelines is the CI surface the engine drives for worker-repository
// pipelines.
type CIPipelines interface {
	TriggerPipeline(ctx context.Context, project, ref string, variables map[string]string) (*ci.PipelineRef, error)
	GetPipeline(ctx context.Context, project string, pipelineID int64) (*ci.PipelineRef, error)
}

// CIFactory builds a CI client for one worker repository's host and token.
type CIFactory func(host, token string) (CIPipelines, error)

// GitLabCIFactory returns the production factory.
func GitLabCIFactory() CIFactory {
	return func(host, token string) (CIPipelines, error) {
		return ci.NewClient(host, token)
	}
}

// SimpleEvaluator is the in-process filter call; satisfied by
// evaluator.Evaluator.
type SimpleEvaluator interface {
	Evaluate(ctx context.Context, cfg quota.ProviderConfig, title, description string) (*evaluator.Result, error)
}

// TrackerFactory builds the adapter for a task source; satisfied by
// tracker.New.
type TrackerFactory func(ctx context.Context, source *db.TaskSource, tokens tracker.TokenProvider) (tracker.Tracker, error)

// Config carries the engine-level settings drivers need at runtime.
type Config struct {
	// APIBaseURL and APIToken are handed to worker pipelines so in-CI
	// steps can report artifacts back.
	APIBaseURL string
	APIToken   string
}

// Engine wires the pipelines over the store, broker and external clients.
type Engine struct {
	store      *db.Store
	broker     broker.Broker
	selector   *quota.Selector
	tokens     tracker.TokenProvider
	eval       SimpleEvaluator
	ciFactory  CIFactory
	newTracker TrackerFactory
	cfg        Config
	logger     *slog.Logger
}

// New creates an Engine.
func New(store *db.Store, b broker.Broker, selector *quota.Selector, tokens tracker.TokenProvider,
	eval SimpleEvaluator, ciFactory CIFactory, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		broker:     b,
		selector:   selector,
		tokens:     tokens,
		eval:       eval,
		ciFactory:  ciFactory,
		newTracker: tracker.New,
		cfg:        cfg,
		logger:     logger,
	}
}

// workerRepo is the parsed source blob of a worker repository.
type workerRepo struct {
	rec      *db.WorkerRepository
	host     string
	project  string
	branch   string
	secretID string
}

// loadWorkerRepo fetches and parses the project's worker repository.
func (e *Engine) loadWorkerRepo(ctx context.Context, projectID string) (*workerRepo, error) {
	rec, err := e.store.GetWorkerRepositoryByProject(ctx, projectID)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, errors.ErrWorkerRepoNotFound(projectID)
		}
		return nil, err
	}
	return parseWorkerRepo(rec)
}

func parseWorkerRepo(rec *db.WorkerRepository) (*workerRepo, error) {
	wr := &workerRepo{
		rec:      rec,
		host:     gjson.Get(rec.Source, "host").String(),
		project:  gjson.Get(rec.Source, "project").String(),
		branch:   gjson.Get(rec.Source, "branch").String(),
		secretID: gjson.Get(rec.Source, "secret_id").String(),
	}
	if wr.branch == "" {
		wr.branch = "main"
	}
	if wr.project == "" || wr.secretID == "" {
		return nil, errors.ErrValidation(fmt.Sprintf("worker repository %s source is missing project or secret_id", rec.ID))
	}
	return wr, nil
}

// refundQuota reverses a platform-token billing for a pipeline that never
// reached the remote.
func (e *Engine) refundQuota(ctx context.Context, sel *quota.Selection, userID string, kind db.QuotaKind, taskID string) {
	if !sel.UsePlatformToken {
		return
	}
	if err := e.store.DecrementQuotaUsage(ctx, userID, kind); err != nil {
		e.logger.Error("quota refund failed",
			"task_id", taskID, "user_id", userID, "kind", kind, "error", err)
	}
}

// ciFor builds a CI client authenticated for one worker repository.
func (e *Engine) ciFor(ctx context.Context, wr *workerRepo) (CIPipelines, error) {
	token, err := e.tokens.Token(ctx, wr.secretID)
	if err != nil {
		return nil, fmt.Errorf("resolve worker repository token: %w", err)
	}
	return e.ciFactory(wr.host, token)
}

// RemotePipelineStatus fetches an execution's current status from CI,
// mapped onto the internal alphabet.
func (e *Engine) RemotePipelineStatus(ctx context.Context, exec *db.PipelineExecution) (db.PipelineStatus, error) {
	rec, err := e.store.GetWorkerRepository(ctx, exec.WorkerRepositoryID)
	if err != nil {
		return "", fmt.Errorf("load worker repository %s: %w", exec.WorkerRepositoryID, err)
	}
	wr, err := parseWorkerRepo(rec)
	if err != nil {
		return "", err
	}
	client, err := e.ciFor(ctx, wr)
	if err != nil {
		return "", err
	}
	ref, err := client.GetPipeline(ctx, wr.project, exec.PipelineID)
	if err != nil {
		return "", err
	}
	return ref.Status, nil
}
