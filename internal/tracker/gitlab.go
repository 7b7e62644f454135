package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/micros-ai/micros/internal/errors"
)

// GitLabConfig is the config blob of a gitlab_issues task source.
type GitLabConfig struct {
	Host     string   `json:"host"` // e.g. "https://gitlab.example.com"; empty means gitlab.com
	Repo     string   `json:"repo"` // full path, "group/subgroup/repo"
	SecretID string   `json:"secret_id"`
	Labels   []string `json:"labels,omitempty"`
}

// GitLab lists and revalidates issues of one GitLab project.
type GitLab struct {
	client *gogitlab.Client
	cfg    GitLabConfig
}

// NewGitLab creates the adapter, resolving the source's token.
func NewGitLab(ctx context.Context, cfg GitLabConfig, tokens TokenProvider) (*GitLab, error) {
	if cfg.Repo == "" {
		return nil, errors.ErrValidation("gitlab source config missing repo")
	}
	if cfg.SecretID == "" {
		return nil, errors.ErrValidation("gitlab source config missing secret_id")
	}
	token, err := tokens.Token(ctx, cfg.SecretID)
	if err != nil {
		return nil, fmt.Errorf("resolve gitlab token: %w", err)
	}

	var client *gogitlab.Client
	if cfg.Host != "" {
		host := strings.TrimSuffix(cfg.Host, "/")
		client, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(host+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &GitLab{client: client, cfg: cfg}, nil
}

func (g *GitLab) Provider() string { return "gitlab" }

// List returns the project's open issues, following pagination.
func (g *GitLab) List(ctx context.Context) ([]Issue, error) {
	opts := &gogitlab.ListProjectIssuesOptions{
		State:       gogitlab.Ptr("opened"),
		ListOptions: gogitlab.ListOptions{PerPage: 100, Page: 1},
	}
	if len(g.cfg.Labels) > 0 {
		labels := gogitlab.LabelOptions(g.cfg.Labels)
		opts.Labels = &labels
	}

	var all []Issue
	for {
		issues, resp, err := g.client.Issues.ListProjectIssues(g.cfg.Repo, opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list gitlab issues for %s: %w", g.cfg.Repo, err)
		}
		for _, iss := range issues {
			all = append(all, g.convert(iss))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// IsOpen checks a single issue's state by IID.
func (g *GitLab) IsOpen(ctx context.Context, issueID string) (bool, error) {
	iid, err := strconv.Atoi(issueID)
	if err != nil {
		return false, fmt.Errorf("invalid gitlab issue id %q: %w", issueID, err)
	}
	iss, _, err := g.client.Issues.GetIssue(g.cfg.Repo, int64(iid), gogitlab.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("get gitlab issue %s#%d: %w", g.cfg.Repo, iid, err)
	}
	return iss.State == "opened", nil
}

func (g *GitLab) convert(iss *gogitlab.Issue) Issue {
	out := Issue{
		Provider:    "gitlab",
		Repo:        g.cfg.Repo,
		ID:          strconv.Itoa(int(iss.IID)),
		Title:       iss.Title,
		Description: iss.Description,
		Open:        iss.State == "opened",
		URL:         iss.WebURL,
		Labels:      iss.Labels,
	}
	if iss.UpdatedAt != nil {
		out.UpdatedAt = *iss.UpdatedAt
	}
	return out
}
