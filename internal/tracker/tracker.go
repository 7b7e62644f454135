// Package tracker adapts external issue trackers (GitLab, GitHub, Jira)
// to one normalized issue shape for the sync pipeline.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/errors"
)

// Issue is the normalized issue record produced by every adapter. The
// JSON form is persisted as the task's source_issue snapshot.
type Issue struct {
	Provider    string    `json:"provider"` // "gitlab", "github", "jira"
	Repo        string    `json:"repo"`     // repo path or Jira project key
	ID          string    `json:"id"`       // issue number or Jira key
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"` // plain text; ADF already flattened for Jira
	Open        bool      `json:"open"`
	URL         string    `json:"url,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UniqueID derives the stable cross-provider task identity.
func (i Issue) UniqueID() string {
	return fmt.Sprintf("%s-%s-%s", i.Provider, i.Repo, i.ID)
}

// RemoteStatus maps the open flag onto the stored remote status.
func (i Issue) RemoteStatus() db.RemoteStatus {
	if i.Open {
		return db.RemoteOpened
	}
	return db.RemoteClosed
}

// Lister fetches the currently open issues of a source.
type Lister interface {
	List(ctx context.Context) ([]Issue, error)
}

// Revalidator checks whether a single previously-seen issue is still open.
// Optional capability: GitLab and GitHub support it, Jira does not (its JQL
// listing already reflects resolution state).
type Revalidator interface {
	IsOpen(ctx context.Context, issueID string) (bool, error)
}

// Tracker is the adapter surface every provider implements. Revalidation
// is discovered by type assertion.
type Tracker interface {
	Lister
	Provider() string
}

// TokenProvider resolves a secret reference to a usable plaintext token,
// transparently refreshing OAuth credentials.
type TokenProvider interface {
	Token(ctx context.Context, secretID string) (string, error)
}

// New builds the adapter for a task source. Manual sources have no remote
// and are rejected.
func New(ctx context.Context, source *db.TaskSource, tokens TokenProvider) (Tracker, error) {
	switch source.Type {
	case db.SourceGitLabIssues:
		var cfg GitLabConfig
		if err := json.Unmarshal([]byte(source.Config), &cfg); err != nil {
			return nil, fmt.Errorf("parse gitlab source config: %w", err)
		}
		return NewGitLab(ctx, cfg, tokens)
	case db.SourceGitHubIssues:
		var cfg GitHubConfig
		if err := json.Unmarshal([]byte(source.Config), &cfg); err != nil {
			return nil, fmt.Errorf("parse github source config: %w", err)
		}
		return NewGitHub(ctx, cfg, tokens)
	case db.SourceJira:
		var cfg JiraConfig
		if err := json.Unmarshal([]byte(source.Config), &cfg); err != nil {
			return nil, fmt.Errorf("parse jira source config: %w", err)
		}
		return NewJira(ctx, cfg, tokens)
	case db.SourceManual:
		return nil, errors.ErrManualSource(source.ID)
	default:
		return nil, errors.ErrValidation(fmt.Sprintf("unknown task source type %q", source.Type))
	}
}
