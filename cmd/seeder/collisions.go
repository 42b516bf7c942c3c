package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oddessentials/ado-git-repo-seeder/internal/collision"
	"github.com/oddessentials/ado-git-repo-seeder/internal/seeder"
)

func newCollisionsCmd() *cobra.Command {
	var (
		project    string
		repository string
		branches   []string
		runID      string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "collisions",
		Short: "Check whether branch names already exist on a repository",
		Long: `Check candidate branch names against the remote. Pass --branch for
explicit names, or --run-id with --count to check the branches a run
would create.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}

			candidates := append([]string{}, branches...)
			if runID != "" {
				for i := 0; i < count; i++ {
					candidates = append(candidates, seeder.BranchName(runID, i))
				}
			}
			if len(candidates) == 0 {
				return fmt.Errorf("nothing to check: pass --branch or --run-id")
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			a := newApp(cfg)
			repo, err := a.client.GetRepository(ctx, project, repository)
			if err != nil {
				return fmt.Errorf("failed to get repository %s/%s: %w", project, repository, err)
			}

			existing, err := a.guard.CheckCollisions(ctx, repo.RemoteURL, cfg.PAT, candidates)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(existing) == 0 {
				fmt.Fprintf(out, "No collisions: %d branch(es) are free in %s/%s\n", len(candidates), project, repository)
				return nil
			}
			fmt.Fprintf(out, "%d of %d branch(es) already exist in %s/%s:\n", len(existing), len(candidates), project, repository)
			for _, b := range existing {
				fmt.Fprintf(out, "  %s\n", b)
			}
			return &collision.Error{Repository: project + "/" + repository, Branches: existing}
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Azure DevOps project")
	cmd.Flags().StringVar(&repository, "repo", "", "repository name or id")
	cmd.Flags().StringArrayVarP(&branches, "branch", "b", nil, "branch name to check (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "check the branches of this run id")
	cmd.Flags().IntVar(&count, "count", 5, "number of run branches to check with --run-id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}
