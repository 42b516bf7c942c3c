package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
)

func newRunCmd() *cobra.Command {
	var (
		seed     uint64
		runID    string
		dryRun   bool
		jsonOut  bool
		prsPer   int
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one seeding pass over every configured repository",
		Long: `Plan and create pull requests in every configured repository, then
complete, abandon or leave them open according to the outcome weights.
When the open backlog exceeds cleanup.threshold the run completes the
oldest open pull requests instead of seeding new ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}

			opts := cfg.RunOptions()
			if cmd.Flags().Changed("seed") {
				opts.Seed = seed
			}
			if runID != "" {
				opts.RunID = runID
			}
			if prsPer > 0 {
				opts.PRsPerRepo = prsPer
			}
			if parallel > 0 {
				opts.Concurrency = parallel
			}
			opts.DryRun = dryRun

			a := newApp(cfg)
			store, err := a.openLedger()
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			defer func() { _ = store.Close() }()

			if jsonOut && cfg.Logging != nil && cfg.Logging.Output == "stdout" {
				logging.Suppress()
			}

			ctx, cancel := signalContext(context.Background())
			defer cancel()

			summary, runErr := a.runner(store, opts).Run(ctx)
			if err := renderSummary(cmd.OutOrStdout(), summary, jsonOut); err != nil {
				return err
			}
			if runErr != nil {
				if isCanceled(runErr) {
					return fmt.Errorf("run interrupted: %w", runErr)
				}
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&seed, "seed", 0, "plan seed (default from config, random when unset)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id used in branch names (default generated)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and check collisions without changing the remote")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	cmd.Flags().IntVarP(&prsPer, "prs", "n", 0, "pull requests per repository (default from config)")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "repositories processed concurrently (default from config)")

	return cmd
}

func renderSummary(w io.Writer, s *report.Summary, jsonOut bool) error {
	if s == nil {
		return nil
	}
	if jsonOut {
		return report.RenderJSON(w, s)
	}
	return report.RenderText(w, s)
}
