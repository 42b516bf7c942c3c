package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

// Poller waits for the remote's asynchronous state to settle. Waits are
// always bounded by maxWait; timeouts are reported as false, never as errors.
type Poller struct {
	prs      PullRequestService
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller with a fixed interval.
func NewPoller(prs PullRequestService, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	return &Poller{
		prs:      prs,
		interval: interval,
		logger:   logging.WithComponent("poller"),
	}
}

// Evaluate fetches the current evaluation once.
func (p *Poller) Evaluate(ctx context.Context, h Handle) (MergeEvaluation, error) {
	pr, err := p.prs.GetPullRequest(ctx, h.Project, h.RepositoryID, h.PullRequestID)
	if err != nil {
		return MergeEvaluation{}, err
	}
	return evaluationFrom(pr), nil
}

// WaitForEvaluation returns the first evaluation that is no longer pending.
func (p *Poller) WaitForEvaluation(ctx context.Context, h Handle, maxWait time.Duration) (MergeEvaluation, bool) {
	return p.waitFor(ctx, h, maxWait, func(e MergeEvaluation) bool { return !e.IsPending() })
}

// WaitForSourceCommit returns the first settled evaluation computed against
// commit. Evaluations of an older source commit keep it polling.
func (p *Poller) WaitForSourceCommit(ctx context.Context, h Handle, commit string, maxWait time.Duration) (MergeEvaluation, bool) {
	return p.waitFor(ctx, h, maxWait, func(e MergeEvaluation) bool {
		return !e.IsPending() && e.MergeCommitID == commit
	})
}

// WaitForCompletion reports whether the pull request reached completed
// within maxWait.
func (p *Poller) WaitForCompletion(ctx context.Context, h Handle, maxWait time.Duration) bool {
	_, ok := p.waitFor(ctx, h, maxWait, MergeEvaluation.IsCompleted)
	return ok
}

func (p *Poller) waitFor(ctx context.Context, h Handle, maxWait time.Duration, done func(MergeEvaluation) bool) (MergeEvaluation, bool) {
	deadline := time.Now().Add(maxWait)

	for {
		eval, err := p.Evaluate(ctx, h)
		if err != nil {
			p.logger.Warn("Failed to fetch pull request while polling",
				slog.String("pr", h.String()),
				slog.Any("error", err),
			)
		} else if done(eval) {
			return eval, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.logger.Debug("Polling timed out",
				slog.String("pr", h.String()),
				slog.Duration("max_wait", maxWait),
			)
			return MergeEvaluation{}, false
		}

		timer := time.NewTimer(min(p.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return MergeEvaluation{}, false
		case <-timer.C:
		}
	}
}
