package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

var (
	// ErrMergeCommitPending means the evaluation has no commit id yet.
	// Handled exactly like a 409.
	ErrMergeCommitPending = errors.New("merge commit id not yet available")

	// ErrCompletionUnverified means the completion call returned but the
	// pull request never showed as completed within the wait.
	ErrCompletionUnverified = errors.New("completion not observed")

	// ErrResolutionFailed is returned only in strict resolution mode.
	ErrResolutionFailed = errors.New("conflict resolution failed")

	// ErrPullRequestAbandoned is terminal.
	ErrPullRequestAbandoned = errors.New("pull request is abandoned")

	// ErrRetriesExhausted wraps the last retryable error.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// NeedsResolution reports whether a merge status warrants git-level conflict
// resolution. Only an explicit conflict triggers it, and only once per call.
// Pending and unknown states never do.
func NeedsResolution(mergeStatus string, resolutionAttempted bool) bool {
	return mergeStatus == azuredevops.MergeStatusConflicts && !resolutionAttempted
}

// IsRetryable classifies an attempt error. 409 and 400 mean the remote state
// has not settled yet; every other status is terminal.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMergeCommitPending),
		errors.Is(err, ErrCompletionUnverified),
		errors.Is(err, ErrResolutionFailed):
		return true
	}
	if code, ok := azuredevops.StatusCode(err); ok {
		return code == http.StatusConflict || code == http.StatusBadRequest
	}
	return false
}

// attemptState is threaded through the retry loop of one call.
type attemptState struct {
	conflictResolutionAttempted bool
	resolutions                 int
}

// Orchestrator completes pull requests, resolving conflicts at most once per
// call when the remote reports them.
type Orchestrator struct {
	prs      PullRequestService
	resolver ConflictResolver
	poller   *Poller
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator. Zero durations in cfg fall back
// to DefaultConfig values.
func NewOrchestrator(prs PullRequestService, resolver ConflictResolver, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FirstEvaluationWait <= 0 {
		cfg.FirstEvaluationWait = def.FirstEvaluationWait
	}
	if cfg.PostResolutionWait <= 0 {
		cfg.PostResolutionWait = def.PostResolutionWait
	}
	if cfg.CompletionWait <= 0 {
		cfg.CompletionWait = def.CompletionWait
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}

	return &Orchestrator{
		prs:      prs,
		resolver: resolver,
		poller:   NewPoller(prs, cfg.PollInterval),
		cfg:      cfg,
		sleep:    sleepContext,
		logger:   logging.WithComponent("completion"),
	}
}

// CompleteWithResolution returns true once completion of h is observed.
// maxRetries <= 0 uses the configured default.
func (o *Orchestrator) CompleteWithResolution(ctx context.Context, h Handle, credential string, maxRetries int) bool {
	return o.Complete(ctx, h, credential, maxRetries).Completed
}

// Complete is CompleteWithResolution with attempt details for reporting.
func (o *Orchestrator) Complete(ctx context.Context, h Handle, credential string, maxRetries int) Result {
	if maxRetries <= 0 {
		maxRetries = o.cfg.MaxRetries
	}
	log := o.logger.With(slog.String("pr", h.String()))
	state := &attemptState{}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := o.attempt(ctx, h, credential, attempt, state)
		if err == nil {
			log.Info("Pull request completed",
				slog.Int("attempt", attempt),
				slog.Int("resolutions", state.resolutions),
			)
			return Result{Completed: true, Attempts: attempt, Resolutions: state.resolutions}
		}
		lastErr = err

		if !IsRetryable(err) {
			log.Error("Completion failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return Result{Attempts: attempt, Resolutions: state.resolutions, Err: err}
		}

		if attempt == maxRetries {
			break
		}
		backoff := o.cfg.BackoffBase * time.Duration(attempt)
		log.Warn("Completion attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		if err := o.sleep(ctx, backoff); err != nil {
			return Result{Attempts: attempt, Resolutions: state.resolutions, Err: err}
		}
	}

	log.Error("Completion retries exhausted",
		slog.Int("attempts", maxRetries),
		slog.Any("error", lastErr),
	)
	return Result{
		Attempts:    maxRetries,
		Resolutions: state.resolutions,
		Err:         fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxRetries, lastErr),
	}
}

func (o *Orchestrator) attempt(ctx context.Context, h Handle, credential string, attempt int, state *attemptState) error {
	eval, err := o.poller.Evaluate(ctx, h)
	if err != nil {
		return fmt.Errorf("get pull request: %w", err)
	}
	if eval.IsCompleted() {
		return nil
	}
	if eval.Status == azuredevops.PRStateAbandoned {
		return ErrPullRequestAbandoned
	}

	if attempt == 1 && eval.IsPending() {
		if refreshed, ok := o.poller.WaitForEvaluation(ctx, h, o.cfg.FirstEvaluationWait); ok {
			eval = refreshed
		}
	}

	if o.needsResolution(eval.MergeStatus, state.conflictResolutionAttempted) {
		result := o.resolver.ResolveConflicts(ctx, h.RemoteURL, credential, h.SourceBranch, h.TargetBranch)
		state.resolutions++

		if !result.Resolved {
			o.logger.Warn("Conflict resolution failed",
				slog.String("pr", h.String()),
				slog.Any("error", result.Err),
			)
			if o.cfg.StrictResolution {
				if result.Err == nil {
					return ErrResolutionFailed
				}
				return fmt.Errorf("%w: %w", ErrResolutionFailed, result.Err)
			}
			// Fall through: the bypass flag may still let completion succeed.
		} else {
			state.conflictResolutionAttempted = true
			o.logger.Info("Conflicts resolved, waiting for re-evaluation",
				slog.String("pr", h.String()),
				slog.String("commit", result.NewCommitSHA),
			)
			eval = o.waitForResolvedCommit(ctx, h, result.NewCommitSHA, eval)
			if eval.IsCompleted() {
				return nil
			}
		}
	}

	if eval.MergeCommitID == "" {
		return ErrMergeCommitPending
	}

	opts := azuredevops.CompletionOptions{
		BypassPolicy:       o.cfg.BypassPolicy,
		DeleteSourceBranch: o.cfg.DeleteSourceBranch,
		MergeStrategy:      o.cfg.MergeStrategy,
	}
	if o.cfg.BypassPolicy {
		opts.BypassReason = o.cfg.BypassReason
	}
	if _, err := o.prs.CompletePullRequest(ctx, h.Project, h.RepositoryID, h.PullRequestID, eval.MergeCommitID, opts); err != nil {
		return fmt.Errorf("complete pull request: %w", err)
	}

	if !o.poller.WaitForCompletion(ctx, h, o.cfg.CompletionWait) {
		return ErrCompletionUnverified
	}
	return nil
}

// waitForResolvedCommit waits for an evaluation of the pushed commit. On
// timeout it takes whatever the remote reports now, falling back to prev.
func (o *Orchestrator) waitForResolvedCommit(ctx context.Context, h Handle, commit string, prev MergeEvaluation) MergeEvaluation {
	if commit == "" {
		if refreshed, ok := o.poller.WaitForEvaluation(ctx, h, o.cfg.PostResolutionWait); ok {
			return refreshed
		}
		return prev
	}
	if refreshed, ok := o.poller.WaitForSourceCommit(ctx, h, commit, o.cfg.PostResolutionWait); ok {
		return refreshed
	}
	o.logger.Warn("Re-evaluation of resolved commit not seen in time",
		slog.String("pr", h.String()),
		slog.String("commit", commit),
	)
	if latest, err := o.poller.Evaluate(ctx, h); err == nil && !latest.IsPending() {
		return latest
	}
	return prev
}

func (o *Orchestrator) needsResolution(mergeStatus string, attempted bool) bool {
	if o.cfg.ResolveOnFailure && mergeStatus == azuredevops.MergeStatusFailure {
		return !attempted
	}
	return NeedsResolution(mergeStatus, attempted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
