// Package report renders run summaries for terminals and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Failure phases
const (
	PhaseCollision  = "collision"
	PhaseWorkspace  = "workspace"
	PhaseBranch     = "branch"
	PhaseCreate     = "create"
	PhaseFollowUp   = "follow-up"
	PhaseComplete   = "complete"
	PhaseAbandon    = "abandon"
	PhasePublish    = "publish"
	PhaseEnumerate  = "enumerate"
	PhaseRepository = "repository"
)

// Failure is one recorded per-PR or per-repository failure.
type Failure struct {
	Repository    string `json:"repository"`
	PullRequestID int    `json:"pull_request_id,omitempty"`
	Phase         string `json:"phase"`
	Message       string `json:"message"`
	Fatal         bool   `json:"fatal,omitempty"`
}

func (f Failure) String() string {
	target := f.Repository
	if f.PullRequestID > 0 {
		target = fmt.Sprintf("%s!%d", f.Repository, f.PullRequestID)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Phase, target, f.Message)
}

// CleanupStats mirrors the cleanup pass counters.
type CleanupStats struct {
	DraftsPublished int `json:"drafts_published"`
	PRsCompleted    int `json:"prs_completed"`
	PRsFailed       int `json:"prs_failed"`
	OpenBefore      int `json:"open_before"`
	OpenAfter       int `json:"open_after"`
}

// Summary is the outcome of one run.
type Summary struct {
	RunID        string        `json:"run_id"`
	Mode         string        `json:"mode"` // seed, cleanup, complete
	Seed         uint64        `json:"seed,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Repositories int           `json:"repositories"`
	Created      int           `json:"prs_created"`
	Completed    int           `json:"prs_completed"`
	Abandoned    int           `json:"prs_abandoned"`
	LeftOpen     int           `json:"prs_left_open"`
	Drafts       int           `json:"drafts"`
	FollowUps    int           `json:"follow_up_commits"`
	Resolutions  int           `json:"conflict_resolutions"`
	Cleanup      *CleanupStats `json:"cleanup,omitempty"`
	Failures     []Failure     `json:"failures"`
	Fatal        *Failure      `json:"fatal,omitempty"`
}

// Duration returns the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() || s.StartedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// OK reports whether the run finished without fatal or per-PR failures.
func (s *Summary) OK() bool {
	return s.Fatal == nil && len(s.Failures) == 0
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9")) // light gray

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	fatalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ff6b6b"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")) // mid gray
)

// RenderText writes a human-readable summary.
func RenderText(w io.Writer, s *Summary) error {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Run "+s.RunID) + dimStyle.Render(" ("+s.Mode+")") + "\n")
	if s.DryRun {
		b.WriteString(dimStyle.Render("  dry run, no remote changes") + "\n")
	}

	row := func(label string, value int) {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-22s", label)), valueStyle.Render(fmt.Sprint(value)))
	}
	row("repositories", s.Repositories)
	if s.Mode != "cleanup" {
		row("pull requests created", s.Created)
		row("completed", s.Completed)
		row("abandoned", s.Abandoned)
		row("left open", s.LeftOpen)
		row("drafts", s.Drafts)
		row("follow-up commits", s.FollowUps)
		row("conflict resolutions", s.Resolutions)
	}

	if c := s.Cleanup; c != nil {
		b.WriteString(titleStyle.Render("Cleanup") + "\n")
		row("open before", c.OpenBefore)
		row("drafts published", c.DraftsPublished)
		row("completed", c.PRsCompleted)
		row("failed", c.PRsFailed)
		row("open after", c.OpenAfter)
	}

	if d := s.Duration(); d > 0 {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-22s", "duration")), dimStyle.Render(d.Round(time.Millisecond).String()))
	}

	if len(s.Failures) > 0 {
		b.WriteString(failStyle.Render(fmt.Sprintf("Failures (%d)", len(s.Failures))) + "\n")
		for _, f := range s.Failures {
			b.WriteString("  " + failStyle.Render("✗") + " " + f.String() + "\n")
		}
	}

	if s.Fatal != nil {
		b.WriteString(fatalStyle.Render("FATAL: run aborted") + "\n")
		b.WriteString("  " + fatalStyle.Render("!") + " " + s.Fatal.String() + "\n")
	} else if len(s.Failures) == 0 {
		b.WriteString(successStyle.Render("✓ no failures") + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderJSON writes the summary as indented JSON.
func RenderJSON(w io.Writer, s *Summary) error {
	out := *s
	if out.Failures == nil {
		out.Failures = []Failure{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&out)
}
