// Package quota decides which LLM credentials an evaluation may use, and
// whether it may run at all, based on per-user usage counters.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/secrets"
)

// ProviderConfig is a resolved Anthropic configuration ready for use.
type ProviderConfig struct {
	APIKey string
	Model  string
}

// Selection is the selector's answer: credentials plus quota context.
type Selection struct {
	Config           ProviderConfig
	UsePlatformToken bool
	Info             *db.UserQuota
	Warning          string
}

// ExceededError reports a blocked evaluation with the quota snapshot that
// blocked it.
type ExceededError struct {
	UserID  string
	Kind    db.QuotaKind
	Used    int
	Hard    int
	Message string
}

func (e *ExceededError) Error() string {
	return e.Message
}

// IsExceeded reports whether err is a quota rejection.
func IsExceeded(err error) bool {
	var ee *ExceededError
	return errors.As(err, &ee)
}

// Selector applies the credential policy: platform token for owners within
// quota, otherwise the project's own configuration.
type Selector struct {
	store    *db.Store
	secrets  *secrets.Service
	platform ProviderConfig
}

// NewSelector creates a Selector. An empty platform API key disables the
// platform-token path entirely.
func NewSelector(store *db.Store, svc *secrets.Service, platform ProviderConfig) *Selector {
	return &Selector{store: store, secrets: svc, platform: platform}
}

// Select resolves credentials for one evaluation. Callers increment usage
// themselves: after success for in-process evaluation, before triggering
// for remote pipelines.
func (s *Selector) Select(ctx context.Context, userID, projectID string, kind db.QuotaKind) (*Selection, error) {
	q, err := s.store.GetUserQuota(ctx, userID)
	if err != nil {
		return nil, err
	}

	withinHard := q.Used(kind) < q.Hard(kind)
	if withinHard && s.platform.APIKey != "" && userID != "" {
		sel := &Selection{
			Config:           s.platform,
			UsePlatformToken: true,
			Info:             q,
		}
		if q.Used(kind) >= q.Soft(kind) {
			sel.Warning = fmt.Sprintf("you have used %d of %d included %s evaluations; configure project credentials to avoid interruption",
				q.Used(kind), q.Hard(kind), kind)
		}
		return sel, nil
	}

	cfg, err := s.projectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, &ExceededError{
			UserID: userID,
			Kind:   kind,
			Used:   q.Used(kind),
			Hard:   q.Hard(kind),
			Message: fmt.Sprintf("%s evaluation quota exhausted (%d/%d) and the project has no Anthropic credentials configured",
				kind, q.Used(kind), q.Hard(kind)),
		}
	}
	return &Selection{Config: *cfg, Info: q}, nil
}

// projectConfig reads the project's Anthropic configuration from its
// ai_provider_configs blob, resolving the referenced secret.
func (s *Selector) projectConfig(ctx context.Context, projectID string) (*ProviderConfig, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	anthropic := gjson.Get(p.AIProviderConfigs, "anthropic")
	if !anthropic.Exists() {
		return nil, nil
	}

	cfg := &ProviderConfig{Model: anthropic.Get("model").String()}
	secretID := anthropic.Get("secret_id").String()
	if secretID == "" {
		return nil, nil
	}
	_, key, err := s.secrets.Get(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("resolve project anthropic secret: %w", err)
	}
	cfg.APIKey = key
	return cfg, nil
}
