package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/micros-ai/micros/internal/errors"
)

// JiraConfig is the config blob of a jira task source.
type JiraConfig struct {
	SiteURL    string `json:"site_url"` // e.g. "https://acme.atlassian.net"
	ProjectKey string `json:"project_key"`
	Email      string `json:"email,omitempty"` // set for API-token basic auth; empty means OAuth bearer
	SecretID   string `json:"secret_id"`
	JQL        string `json:"jql,omitempty"` // overrides the default query when set
}

// Jira lists and revalidates issues of one Jira project.
type Jira struct {
	client *v3.Client
	cfg    JiraConfig
}

// jiraSearchFields keeps result payloads small; description comes back as
// an ADF tree.
var jiraSearchFields = []string{"summary", "description", "status", "resolution", "labels", "updated"}

// NewJira creates the adapter. API-token secrets use basic auth with the
// configured email; OAuth secrets use a bearer token that the token
// provider keeps refreshed.
func NewJira(ctx context.Context, cfg JiraConfig, tokens TokenProvider) (*Jira, error) {
	if cfg.SiteURL == "" {
		return nil, errors.ErrValidation("jira source config missing site_url")
	}
	if cfg.ProjectKey == "" {
		return nil, errors.ErrValidation("jira source config missing project_key")
	}
	if cfg.SecretID == "" {
		return nil, errors.ErrValidation("jira source config missing secret_id")
	}
	token, err := tokens.Token(ctx, cfg.SecretID)
	if err != nil {
		return nil, fmt.Errorf("resolve jira token: %w", err)
	}

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, strings.TrimRight(cfg.SiteURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	if cfg.Email != "" {
		client.Auth.SetBasicAuth(cfg.Email, token)
	} else {
		client.Auth.SetBearerToken(token)
	}
	client.Auth.SetUserAgent("micros-task-ops/1.0")

	return &Jira{client: client, cfg: cfg}, nil
}

func (j *Jira) Provider() string { return "jira" }

// jql returns the configured query or the default unresolved-issues query.
func (j *Jira) jql() string {
	if j.cfg.JQL != "" {
		return j.cfg.JQL
	}
	return fmt.Sprintf("project = %s AND resolution = Unresolved ORDER BY updated DESC", j.cfg.ProjectKey)
}

// List returns the project's unresolved issues, following the
// token-based pagination of the enhanced search API.
func (j *Jira) List(ctx context.Context) ([]Issue, error) {
	var all []Issue
	nextPageToken := ""

	for {
		result, resp, err := j.client.Issue.Search.SearchJQL(ctx, j.jql(), jiraSearchFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("jira search: %w", err)
		}
		for _, iss := range result.Issues {
			all = append(all, j.convert(iss))
		}
		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}
	return all, nil
}

func (j *Jira) convert(iss *models.IssueScheme) Issue {
	out := Issue{
		Provider: "jira",
		Repo:     j.cfg.ProjectKey,
		URL:      strings.TrimRight(j.cfg.SiteURL, "/") + "/browse/",
	}
	if iss == nil {
		return out
	}
	out.ID = iss.Key
	out.URL += iss.Key
	if iss.Fields == nil {
		return out
	}

	f := iss.Fields
	out.Title = f.Summary
	out.Description = FlattenADF(f.Description)
	out.Open = f.Resolution == nil
	out.Labels = f.Labels
	if f.Updated != nil {
		out.UpdatedAt = time.Time(*f.Updated)
	}
	return out
}
