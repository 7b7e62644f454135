// Package ci wraps the GitLab API surface the engine needs: worker
// repository setup, file uploads, pipeline triggering and polling, and
// merge request creation.
package ci

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/micros-ai/micros/internal/db"
)

// Operation timeouts. Batched commits scale with file count up to the max.
const (
	defaultTimeout   = 30 * time.Second
	perFileTimeout   = 2 * time.Second
	maxUploadTimeout = 15 * time.Minute
)

// File is one file in a batched commit.
type File struct {
	Path    string
	Content string
}

// PipelineRef identifies a triggered remote pipeline.
type PipelineRef struct {
	ID     int64
	Status db.PipelineStatus
	WebURL string
}

// MergeRequestRef identifies a created (or reused) merge request.
type MergeRequestRef struct {
	IID    int
	WebURL string
}

// Client talks to one GitLab instance with one token.
type Client struct {
	gl *gogitlab.Client
}

// NewClient creates a client for host (empty means gitlab.com).
func NewClient(host, token string) (*Client, error) {
	var gl *gogitlab.Client
	var err error
	if host != "" {
		gl, err = gogitlab.NewClient(token, gogitlab.WithBaseURL(strings.TrimSuffix(host, "/")+"/api/v4"))
	} else {
		gl, err = gogitlab.NewClient(token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Client{gl: gl}, nil
}

// GetUser returns the token's authenticated user.
func (c *Client) GetUser(ctx context.Context) (*gogitlab.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	user, _, err := c.gl.Users.CurrentUser(gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return user, nil
}

// GetProject fetches a project by ID or full path.
func (c *Client) GetProject(ctx context.Context, project string) (*gogitlab.Project, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	p, _, err := c.gl.Projects.GetProject(project, nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", project, err)
	}
	return p, nil
}

// EnableCICD turns on CI jobs for the project.
func (c *Client) EnableCICD(ctx context.Context, project string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	_, _, err := c.gl.Projects.EditProject(project, &gogitlab.EditProjectOptions{
		JobsEnabled: gogitlab.Ptr(true),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("enable ci/cd on %s: %w", project, err)
	}
	return nil
}

// EnableExternalPipelineVariables allows API-triggered pipelines to pass
// variables into the project.
func (c *Client) EnableExternalPipelineVariables(ctx context.Context, project string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	_, _, err := c.gl.Projects.EditProject(project, &gogitlab.EditProjectOptions{
		RestrictUserDefinedVariables: gogitlab.Ptr(false),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("enable pipeline variables on %s: %w", project, err)
	}
	return nil
}

// GetFile fetches one repository file at ref. A 404 maps to db.ErrNotFound
// so callers can branch on create-vs-update.
func (c *Client) GetFile(ctx context.Context, project, path, ref string) (*gogitlab.File, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	f, resp, err := c.gl.RepositoryFiles.GetFile(project, path, &gogitlab.GetFileOptions{
		Ref: gogitlab.Ptr(ref),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, db.ErrNotFound
		}
		return nil, fmt.Errorf("get file %s@%s: %w", path, ref, err)
	}
	return f, nil
}

// UploadFiles writes the batch as one commit on branch, choosing create or
// update per file based on current existence. The timeout scales with
// batch size.
func (c *Client) UploadFiles(ctx context.Context, project string, files []File, message, branch string) error {
	timeout := defaultTimeout + time.Duration(len(files))*perFileTimeout
	if timeout > maxUploadTimeout {
		timeout = maxUploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actions := make([]*gogitlab.CommitActionOptions, 0, len(files))
	for _, f := range files {
		action := gogitlab.FileCreate
		if _, err := c.GetFile(ctx, project, f.Path, branch); err == nil {
			action = gogitlab.FileUpdate
		} else if err != db.ErrNotFound {
			return err
		}
		actions = append(actions, &gogitlab.CommitActionOptions{
			Action:   gogitlab.Ptr(action),
			FilePath: gogitlab.Ptr(f.Path),
			Content:  gogitlab.Ptr(f.Content),
		})
	}

	_, _, err := c.gl.Commits.CreateCommit(project, &gogitlab.CreateCommitOptions{
		Branch:        gogitlab.Ptr(branch),
		CommitMessage: gogitlab.Ptr(message),
		Actions:       actions,
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("upload %d files to %s@%s: %w", len(files), project, branch, err)
	}
	return nil
}

// TriggerPipeline starts a pipeline on ref with the given variables.
func (c *Client) TriggerPipeline(ctx context.Context, project, ref string, variables map[string]string) (*PipelineRef, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var vars []*gogitlab.PipelineVariableOptions
	for k, v := range variables {
		vars = append(vars, &gogitlab.PipelineVariableOptions{
			Key:   gogitlab.Ptr(k),
			Value: gogitlab.Ptr(v),
		})
	}

	p, _, err := c.gl.Pipelines.CreatePipeline(project, &gogitlab.CreatePipelineOptions{
		Ref:       gogitlab.Ptr(ref),
		Variables: &vars,
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("trigger pipeline on %s@%s: %w", project, ref, err)
	}
	return &PipelineRef{ID: int64(p.ID), Status: MapStatus(p.Status), WebURL: p.WebURL}, nil
}

// GetPipeline polls one pipeline's current status.
func (c *Client) GetPipeline(ctx context.Context, project string, pipelineID int64) (*PipelineRef, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	p, _, err := c.gl.Pipelines.GetPipeline(project, pipelineID, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get pipeline %d on %s: %w", pipelineID, project, err)
	}
	return &PipelineRef{ID: int64(p.ID), Status: MapStatus(p.Status), WebURL: p.WebURL}, nil
}

// CreateMergeRequest opens an MR. A 409 conflict means the MR already
// exists for the branch pair and resolves to the existing MR.
func (c *Client) CreateMergeRequest(ctx context.Context, project, source, target, title, description string) (*MergeRequestRef, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	mr, resp, err := c.gl.MergeRequests.CreateMergeRequest(project, &gogitlab.CreateMergeRequestOptions{
		Title:              gogitlab.Ptr(title),
		Description:        gogitlab.Ptr(description),
		SourceBranch:       gogitlab.Ptr(source),
		TargetBranch:       gogitlab.Ptr(target),
		RemoveSourceBranch: gogitlab.Ptr(true),
	}, gogitlab.WithContext(ctx))
	if err == nil {
		return &MergeRequestRef{IID: int(mr.IID), WebURL: mr.WebURL}, nil
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		return nil, fmt.Errorf("create merge request %s -> %s on %s: %w", source, target, project, err)
	}

	// The MR exists already; find and reuse it.
	existing, _, listErr := c.gl.MergeRequests.ListProjectMergeRequests(project, &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(source),
		TargetBranch: gogitlab.Ptr(target),
		State:        gogitlab.Ptr("opened"),
	}, gogitlab.WithContext(ctx))
	if listErr != nil {
		return nil, fmt.Errorf("list existing merge requests on %s: %w", project, listErr)
	}
	if len(existing) == 0 {
		return nil, fmt.Errorf("create merge request %s -> %s on %s: %w", source, target, project, err)
	}
	return &MergeRequestRef{IID: int(existing[0].IID), WebURL: existing[0].WebURL}, nil
}
