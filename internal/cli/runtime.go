package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/micros-ai/micros/internal/broker"
	"github.com/micros-ai/micros/internal/config"
	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/engine"
	"github.com/micros-ai/micros/internal/evaluator"
	"github.com/micros-ai/micros/internal/quota"
	"github.com/micros-ai/micros/internal/secrets"
	"github.com/micros-ai/micros/internal/supervisor"
	"github.com/micros-ai/micros/internal/tracker"
)

// runtime is the shared wiring every command builds on: configuration,
// store, broker, and the engine over them.
type runtime struct {
	cfg    *config.Config
	store  *db.Store
	broker broker.Broker
	eng    *engine.Engine
	logger *slog.Logger
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newRuntime loads configuration and connects the store and broker.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := db.NewStore(database)

	b, err := broker.DialAMQP(cfg.BrokerURL, cfg.MaxRetries, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	if cfg.EncryptionKey == "" {
		_ = b.Close()
		_ = database.Close()
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	secretSvc, err := secrets.New(store, cfg.EncryptionKey)
	if err != nil {
		_ = b.Close()
		_ = database.Close()
		return nil, err
	}

	selector := quota.NewSelector(store, secretSvc, quota.ProviderConfig{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.AnthropicModel,
	})
	tokens := tracker.NewTokens(secretSvc, cfg.JiraOAuthClientID, cfg.JiraOAuthClientSecret, logger)

	eng := engine.New(store, b, selector, tokens, evaluator.New(), engine.GitLabCIFactory(),
		engine.Config{APIBaseURL: cfg.APIBaseURL, APIToken: cfg.APIToken}, logger)

	return &runtime{cfg: cfg, store: store, broker: b, eng: eng, logger: logger}, nil
}

// supervise builds a Supervisor that tears the runtime down after its
// components stop.
func (rt *runtime) supervise() *supervisor.Supervisor {
	sup := supervisor.New(rt.logger)
	sup.OnShutdown(rt.store.Close)
	sup.OnShutdown(rt.broker.Close)
	return sup
}

// close releases the runtime's connections; for one-shot commands that do
// not go through a supervisor.
func (rt *runtime) close() {
	if err := rt.broker.Close(); err != nil {
		rt.logger.Error("close broker", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("close database", "error", err)
	}
}
