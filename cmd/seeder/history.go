package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/oddessentials/ado-git-repo-seeder/internal/ledger"
)

var (
	historyHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#7eb8da")) // steel blue

	historyOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	historyFailStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	historyDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")) // mid gray
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Ledger == nil || cfg.Ledger.Path == "" {
				return fmt.Errorf("the ledger is disabled (ledger.path is empty)")
			}

			store, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			defer func() { _ = store.Close() }()

			if runID != "" {
				return printRun(cmd.OutOrStdout(), store, runID)
			}

			runs, err := store.RecentRuns(limit)
			if err != nil {
				return fmt.Errorf("failed to read runs: %w", err)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show outcomes and failures of one run")

	return cmd
}

func printRuns(w io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, historyDimStyle.Render("No runs recorded yet."))
		return
	}

	fmt.Fprintln(w, historyHeaderStyle.Render(fmt.Sprintf("%-14s %-8s %-20s %-10s %s", "RUN", "MODE", "STARTED", "STATUS", "DURATION")))
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-14s %-8s %-20s %s %s\n",
			r.RunID, r.Mode, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			statusStyle(r.Status).Render(fmt.Sprintf("%-10s", r.Status)), duration)
	}
}

func printRun(w io.Writer, store *ledger.Store, runID string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	outcomes, err := store.RunOutcomes(runID)
	if err != nil {
		return fmt.Errorf("failed to read outcomes: %w", err)
	}
	failures, err := store.RunFailures(runID)
	if err != nil {
		return fmt.Errorf("failed to read failures: %w", err)
	}

	fmt.Fprintf(w, "%s %s\n", historyHeaderStyle.Render("Run "+run.RunID), statusStyle(run.Status).Render(run.Status))
	fmt.Fprintf(w, "  mode %s, seed %d, started %s\n", run.Mode, run.Seed, run.StartedAt.Local().Format(time.RFC3339))
	if run.FatalError != "" {
		fmt.Fprintf(w, "  %s\n", historyFailStyle.Render(run.FatalError))
	}

	if len(outcomes) > 0 {
		fmt.Fprintln(w, historyHeaderStyle.Render("Pull requests"))
		for _, o := range outcomes {
			mark := historyOKStyle.Render("✓")
			if !o.Succeeded {
				mark = historyFailStyle.Render("✗")
			}
			fmt.Fprintf(w, "  %s %s!%d %-9s %s\n", mark, o.Repository, o.PullRequestID, o.Outcome, historyDimStyle.Render(o.Branch))
		}
	}
	if len(failures) > 0 {
		fmt.Fprintln(w, historyFailStyle.Render(fmt.Sprintf("Failures (%d)", len(failures))))
		for _, f := range failures {
			fmt.Fprintf(w, "  %s\n", f.String())
		}
	}
	return nil
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case ledger.StatusSucceeded:
		return historyOKStyle
	case ledger.StatusFailed, ledger.StatusFatal:
		return historyFailStyle
	default:
		return historyDimStyle
	}
}
