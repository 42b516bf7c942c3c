package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
)

func newCompleteCmd() *cobra.Command {
	var (
		project    string
		repository string
		prID       int
		retries    int
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete one pull request, resolving conflicts if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			if retries <= 0 {
				retries = cfg.RunOptions().MaxRetries
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			a := newApp(cfg)
			repo, err := a.client.GetRepository(ctx, project, repository)
			if err != nil {
				return fmt.Errorf("failed to get repository %s/%s: %w", project, repository, err)
			}
			pr, err := a.client.GetPullRequest(ctx, project, repo.Ref(), prID)
			if err != nil {
				return fmt.Errorf("failed to get pull request %d: %w", prID, err)
			}

			h := a.completionHandle(repo, pr)
			h.Project = project

			summary := &report.Summary{
				RunID:        fmt.Sprintf("complete-%d", prID),
				Mode:         "complete",
				StartedAt:    time.Now(),
				Repositories: 1,
			}
			res := a.orchestrator.Complete(ctx, h, cfg.PAT, retries)
			summary.FinishedAt = time.Now()
			summary.Resolutions = res.Resolutions
			if res.Completed {
				summary.Completed = 1
			} else {
				msg := "completion failed"
				if res.Err != nil {
					msg = res.Err.Error()
				}
				summary.Failures = append(summary.Failures, report.Failure{
					Repository:    project + "/" + repository,
					PullRequestID: prID,
					Phase:         report.PhaseComplete,
					Message:       msg,
				})
			}

			if err := renderSummary(cmd.OutOrStdout(), summary, jsonOut); err != nil {
				return err
			}
			if !res.Completed {
				return fmt.Errorf("pull request %d was not completed after %d attempts", prID, res.Attempts)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Azure DevOps project")
	cmd.Flags().StringVar(&repository, "repo", "", "repository name or id")
	cmd.Flags().IntVar(&prID, "pr", 0, "pull request id")
	cmd.Flags().IntVar(&retries, "retries", 0, "completion attempts (default completion.max_retries)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("pr")

	return cmd
}
