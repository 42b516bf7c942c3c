package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/cleanup"
	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
)

func newCleanupCmd() *cobra.Command {
	var (
		target   int
		schedule string
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Complete the oldest open pull requests",
		Long: `Publish drafts and complete open pull requests, oldest first, until
--target have been completed. With --schedule the pass repeats on a cron
schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("target") && cfg.Cleanup != nil {
				target = cfg.Cleanup.TargetCount
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			a := newApp(cfg)
			repos, failures := resolveRepositories(ctx, a)
			if len(repos) == 0 {
				return fmt.Errorf("no configured repository could be resolved (%d failures)", len(failures))
			}

			opts := cfg.RunOptions()
			p := cleanup.NewPrioritizer(a.client, a.orchestrator, repos, cfg.PAT, opts.MaxRetries)

			render := func(stats cleanup.Stats) {
				summary := &report.Summary{
					RunID:        "cleanup-" + time.Now().UTC().Format("20060102T150405"),
					Mode:         "cleanup",
					Repositories: len(repos),
					Cleanup:      stats.Report(),
					Failures:     append(append([]report.Failure{}, failures...), stats.Failures...),
				}
				if err := renderSummary(cmd.OutOrStdout(), summary, jsonOut); err != nil {
					logging.WithComponent("cli").Warn("Failed to render summary", slog.Any("error", err))
				}
			}

			if schedule == "" {
				started := time.Now()
				stats := p.RunCleanup(ctx, target)
				logging.WithComponent("cli").Info("Cleanup finished", slog.Duration("duration", time.Since(started)))
				render(stats)
				return nil
			}

			if err := cleanup.ValidateSchedule(schedule); err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			s := cleanup.NewScheduler(p, schedule, target, loc, render)
			if err := s.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Cleanup scheduled (%s), next pass at %s. Press Ctrl+C to stop.\n",
				schedule, s.NextRun().Format(time.RFC3339))

			<-ctx.Done()
			s.Stop()
			return nil
		},
	}

	cmd.Flags().IntVarP(&target, "target", "t", 0, "pull requests to complete per pass, 0 for all (default cleanup.target_count)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule to repeat the pass on, e.g. \"0 * * * *\"")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print summaries as JSON")

	return cmd
}

// resolveRepositories looks up every configured repository. Lookup failures
// are returned instead of aborting.
func resolveRepositories(ctx context.Context, a *app) ([]*azuredevops.GitRepo, []report.Failure) {
	var (
		repos    []*azuredevops.GitRepo
		failures []report.Failure
	)
	for _, t := range a.cfg.Targets() {
		repo, err := a.client.GetRepository(ctx, t.Project, t.Repository)
		if err != nil {
			failures = append(failures, report.Failure{Repository: t.String(), Phase: report.PhaseRepository, Message: err.Error()})
			continue
		}
		if repo.Project == nil || repo.Project.Name == "" {
			repo.Project = &azuredevops.Project{Name: t.Project}
		}
		repos = append(repos, repo)
	}
	return repos, failures
}
