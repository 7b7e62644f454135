package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/micros-ai/micros/internal/ci"
	"github.com/micros-ai/micros/internal/db"
)

// newProvisionCmd installs the pipeline templates on a worker repository
// and records it against a project.
func newProvisionCmd() *cobra.Command {
	var (
		projectID string
		repo      string
		branch    string
		secretID  string
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a worker repository for engine pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.GitLabToken == "" {
				return errMissing("GITLAB_TOKEN")
			}
			client, err := ci.NewClient(rt.cfg.GitLabHost, rt.cfg.GitLabToken)
			if err != nil {
				return err
			}
			if err := ci.Provision(cmd.Context(), client, repo, branch, rt.logger); err != nil {
				return err
			}

			source, _ := json.Marshal(map[string]string{
				"host":      rt.cfg.GitLabHost,
				"project":   repo,
				"branch":    branch,
				"secret_id": secretID,
			})
			ctx := cmd.Context()
			existing, err := rt.store.GetWorkerRepositoryByProject(ctx, projectID)
			switch {
			case err == db.ErrNotFound:
				wr := &db.WorkerRepository{
					ProjectID:      projectID,
					Source:         string(source),
					CurrentVersion: ci.TemplatesVersion,
				}
				if err := rt.store.CreateWorkerRepository(ctx, wr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "worker repository %s registered\n", wr.ID)
			case err != nil:
				return err
			default:
				if err := rt.store.SetWorkerRepositoryVersion(ctx, existing.ID, ci.TemplatesVersion); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "worker repository %s re-provisioned\n", existing.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "engine project to attach the repository to")
	cmd.Flags().StringVar(&repo, "repo", "", "worker repository path, e.g. group/worker")
	cmd.Flags().StringVar(&branch, "branch", "main", "branch to commit templates to")
	cmd.Flags().StringVar(&secretID, "secret-id", "", "secret holding the repository token used at trigger time")
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("secret-id")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "micros %s (templates v%d)\n", version, ci.TemplatesVersion)
		},
	}
}

// version is stamped by the build; "dev" otherwise.
var version = "dev"
