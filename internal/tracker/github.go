package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/micros-ai/micros/internal/errors"
)

// GitHubConfig is the config blob of a github_issues task source.
type GitHubConfig struct {
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	SecretID string   `json:"secret_id"`
	Labels   []string `json:"labels,omitempty"`
	BaseURL  string   `json:"base_url,omitempty"` // GitHub Enterprise
}

// GitHub lists and revalidates issues of one GitHub repository.
type GitHub struct {
	client *gogithub.Client
	cfg    GitHubConfig
}

type tokenTransport struct {
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// NewGitHub creates the adapter, resolving the source's token.
func NewGitHub(ctx context.Context, cfg GitHubConfig, tokens TokenProvider) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.ErrValidation("github source config missing owner/repo")
	}
	if cfg.SecretID == "" {
		return nil, errors.ErrValidation("github source config missing secret_id")
	}
	token, err := tokens.Token(ctx, cfg.SecretID)
	if err != nil {
		return nil, fmt.Errorf("resolve github token: %w", err)
	}

	client := gogithub.NewClient(&http.Client{Transport: &tokenTransport{token: token}})
	if cfg.BaseURL != "" {
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise urls: %w", err)
		}
	}
	return &GitHub{client: client, cfg: cfg}, nil
}

func (g *GitHub) Provider() string { return "github" }

// List returns the repository's open issues, skipping pull requests.
func (g *GitHub) List(ctx context.Context) ([]Issue, error) {
	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Labels:      g.cfg.Labels,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var all []Issue
	for {
		issues, resp, err := g.client.Issues.ListByRepo(ctx, g.cfg.Owner, g.cfg.Repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list github issues for %s/%s: %w", g.cfg.Owner, g.cfg.Repo, err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			all = append(all, g.convert(iss))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return all, nil
}

// IsOpen checks a single issue's state by number.
func (g *GitHub) IsOpen(ctx context.Context, issueID string) (bool, error) {
	number, err := strconv.Atoi(issueID)
	if err != nil {
		return false, fmt.Errorf("invalid github issue id %q: %w", issueID, err)
	}
	iss, _, err := g.client.Issues.Get(ctx, g.cfg.Owner, g.cfg.Repo, number)
	if err != nil {
		return false, fmt.Errorf("get github issue %s/%s#%d: %w", g.cfg.Owner, g.cfg.Repo, number, err)
	}
	return iss.GetState() == "open", nil
}

func (g *GitHub) convert(iss *gogithub.Issue) Issue {
	out := Issue{
		Provider:    "github",
		Repo:        g.cfg.Owner + "/" + g.cfg.Repo,
		ID:          strconv.Itoa(iss.GetNumber()),
		Title:       iss.GetTitle(),
		Description: iss.GetBody(),
		Open:        iss.GetState() == "open",
		URL:         iss.GetHTMLURL(),
		UpdatedAt:   iss.GetUpdatedAt().Time,
	}
	for _, l := range iss.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
