package ci

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
)

//go:embed templates/*
var templatesFS embed.FS

// TemplatesVersion is bumped whenever the embedded templates change;
// worker repositories at an older recorded version get re-provisioned.
const TemplatesVersion = 1

// templateTargets maps embedded files to their repository paths.
var templateTargets = map[string]string{
	"templates/gitlab-ci.yml": ".gitlab-ci.yml",
	"templates/run.sh":        "scripts/run.sh",
}

// Provision prepares a worker repository for engine-triggered pipelines:
// CI enabled, externally-passed pipeline variables allowed, and the
// current CI templates committed to branch.
func Provision(ctx context.Context, client *Client, project, branch string, logger *slog.Logger) error {
	if _, err := client.GetProject(ctx, project); err != nil {
		return fmt.Errorf("verify worker repository: %w", err)
	}
	if err := client.EnableCICD(ctx, project); err != nil {
		return err
	}
	if err := client.EnableExternalPipelineVariables(ctx, project); err != nil {
		return err
	}

	files := make([]File, 0, len(templateTargets))
	for src, dst := range templateTargets {
		content, err := templatesFS.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read template %s: %w", src, err)
		}
		files = append(files, File{Path: dst, Content: string(content)})
	}

	message := fmt.Sprintf("Update task-ops CI templates to v%d", TemplatesVersion)
	if err := client.UploadFiles(ctx, project, files, message, branch); err != nil {
		return err
	}

	logger.Info("provisioned worker repository",
		"project", project, "branch", branch, "version", TemplatesVersion)
	return nil
}
