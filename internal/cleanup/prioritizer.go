// Package cleanup reduces an open pull request backlog, oldest first.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/completion"
	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
)

// Remote is the subset of the Azure DevOps client cleanup needs.
type Remote interface {
	ListOpenPullRequests(ctx context.Context, project, repository string) ([]*azuredevops.PullRequest, error)
	PublishDraft(ctx context.Context, project, repository string, id int) error
}

// Completer drives one pull request to completion.
type Completer interface {
	Complete(ctx context.Context, h completion.Handle, credential string, maxRetries int) completion.Result
}

// Stats are the counters of one cleanup pass.
type Stats struct {
	DraftsPublished int
	PRsCompleted    int
	PRsFailed       int
	OpenBefore      int
	OpenAfter       int
	Failures        []report.Failure
}

// Report converts the counters for a run summary.
func (s Stats) Report() *report.CleanupStats {
	return &report.CleanupStats{
		DraftsPublished: s.DraftsPublished,
		PRsCompleted:    s.PRsCompleted,
		PRsFailed:       s.PRsFailed,
		OpenBefore:      s.OpenBefore,
		OpenAfter:       s.OpenAfter,
	}
}

// BacklogEntry is an open pull request together with its repository.
type BacklogEntry struct {
	Repository  *azuredevops.GitRepo
	PullRequest *azuredevops.PullRequest
}

// Handle builds the completion handle for the entry.
func (e BacklogEntry) Handle() completion.Handle {
	return completion.Handle{
		Project:       e.Repository.ProjectName(),
		RepositoryID:  e.Repository.Ref(),
		PullRequestID: e.PullRequest.PullRequestID,
		SourceBranch:  e.PullRequest.SourceBranch(),
		TargetBranch:  e.PullRequest.TargetBranch(),
		RemoteURL:     e.Repository.RemoteURL,
	}
}

// Prioritizer completes the oldest open pull requests across repositories.
type Prioritizer struct {
	remote     Remote
	completer  Completer
	repos      []*azuredevops.GitRepo
	credential string
	maxRetries int
	logger     *slog.Logger
}

// NewPrioritizer creates a prioritizer over repos.
func NewPrioritizer(remote Remote, completer Completer, repos []*azuredevops.GitRepo, credential string, maxRetries int) *Prioritizer {
	return &Prioritizer{
		remote:     remote,
		completer:  completer,
		repos:      repos,
		credential: credential,
		maxRetries: maxRetries,
		logger:     logging.WithComponent("cleanup"),
	}
}

// Backlog enumerates open pull requests across all repositories, oldest
// first. Ties are broken by pull request id. A repository that cannot be
// listed is reported as a failure and skipped.
func (p *Prioritizer) Backlog(ctx context.Context) ([]BacklogEntry, []report.Failure) {
	var entries []BacklogEntry
	var failures []report.Failure

	for _, repo := range p.repos {
		prs, err := p.remote.ListOpenPullRequests(ctx, repo.ProjectName(), repo.Ref())
		if err != nil {
			p.logger.Warn("Failed to list open pull requests",
				slog.String("repository", repo.FullName()),
				slog.Any("error", err),
			)
			failures = append(failures, report.Failure{
				Repository: repo.FullName(),
				Phase:      report.PhaseEnumerate,
				Message:    err.Error(),
			})
			continue
		}
		for _, pr := range prs {
			entries = append(entries, BacklogEntry{Repository: repo, PullRequest: pr})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].PullRequest, entries[j].PullRequest
		if !a.CreationDate.Equal(b.CreationDate) {
			return a.CreationDate.Before(b.CreationDate)
		}
		return a.PullRequestID < b.PullRequestID
	})
	return entries, failures
}

// RunCleanup walks the backlog oldest first until targetCount pull requests
// have been completed or the backlog is exhausted. targetCount <= 0 walks the
// whole backlog. Drafts are published, never completed, in the same pass.
func (p *Prioritizer) RunCleanup(ctx context.Context, targetCount int) Stats {
	backlog, failures := p.Backlog(ctx)
	stats := Stats{OpenBefore: len(backlog), Failures: failures}

	p.logger.Info("Starting cleanup",
		slog.Int("open", stats.OpenBefore),
		slog.Int("target", targetCount),
	)

	for _, entry := range backlog {
		if ctx.Err() != nil {
			break
		}
		if targetCount > 0 && stats.PRsCompleted >= targetCount {
			break
		}

		pr := entry.PullRequest
		repo := entry.Repository.FullName()

		if pr.IsDraft {
			if err := p.remote.PublishDraft(ctx, entry.Repository.ProjectName(), entry.Repository.Ref(), pr.PullRequestID); err != nil {
				stats.PRsFailed++
				stats.Failures = append(stats.Failures, report.Failure{
					Repository:    repo,
					PullRequestID: pr.PullRequestID,
					Phase:         report.PhasePublish,
					Message:       err.Error(),
				})
				p.logger.Warn("Failed to publish draft",
					slog.String("repository", repo),
					slog.Int("pr", pr.PullRequestID),
					slog.Any("error", err),
				)
				continue
			}
			stats.DraftsPublished++
			continue
		}

		res := p.completer.Complete(ctx, entry.Handle(), p.credential, p.maxRetries)
		if res.Completed {
			stats.PRsCompleted++
			continue
		}

		stats.PRsFailed++
		msg := "completion failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		stats.Failures = append(stats.Failures, report.Failure{
			Repository:    repo,
			PullRequestID: pr.PullRequestID,
			Phase:         report.PhaseComplete,
			Message:       msg,
		})
	}

	stats.OpenAfter = p.countOpen(ctx, stats)

	p.logger.Info("Cleanup finished",
		slog.Int("completed", stats.PRsCompleted),
		slog.Int("published", stats.DraftsPublished),
		slog.Int("failed", stats.PRsFailed),
		slog.Int("open_after", stats.OpenAfter),
	)
	return stats
}

func (p *Prioritizer) countOpen(ctx context.Context, stats Stats) int {
	total := 0
	for _, repo := range p.repos {
		prs, err := p.remote.ListOpenPullRequests(ctx, repo.ProjectName(), repo.Ref())
		if err != nil {
			p.logger.Debug("Re-enumeration failed, estimating open count",
				slog.String("repository", repo.FullName()),
				slog.Any("error", err),
			)
			return max(stats.OpenBefore-stats.PRsCompleted, 0)
		}
		total += len(prs)
	}
	return total
}

// String summarizes the stats on one line.
func (s Stats) String() string {
	return fmt.Sprintf("open %d -> %d, completed %d, published %d, failed %d",
		s.OpenBefore, s.OpenAfter, s.PRsCompleted, s.DraftsPublished, s.PRsFailed)
}
