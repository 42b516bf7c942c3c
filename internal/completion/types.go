// Package completion drives pull requests to a completed state despite
// asynchronous merge evaluation, explicit conflicts and transient errors.
package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
)

// Handle identifies one pull request and the branches it merges.
type Handle struct {
	Project       string
	RepositoryID  string
	PullRequestID int
	SourceBranch  string
	TargetBranch  string
	RemoteURL     string
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s!%d", h.Project, h.RepositoryID, h.PullRequestID)
}

// MergeEvaluation is a snapshot of the remote's merge evaluation.
type MergeEvaluation struct {
	Status        string // active, completed, abandoned
	MergeStatus   string
	MergeCommitID string
}

// IsPending reports whether the remote has not finished evaluating.
func (e MergeEvaluation) IsPending() bool {
	switch e.MergeStatus {
	case "", azuredevops.MergeStatusNotSet, azuredevops.MergeStatusQueued:
		return true
	}
	return false
}

// IsCompleted reports whether the pull request has been merged.
func (e MergeEvaluation) IsCompleted() bool {
	return e.Status == azuredevops.PRStateCompleted
}

func evaluationFrom(pr *azuredevops.PullRequest) MergeEvaluation {
	return MergeEvaluation{
		Status:        pr.Status,
		MergeStatus:   pr.MergeStatus,
		MergeCommitID: pr.MergeCommitID(),
	}
}

// PullRequestService is the subset of the Azure DevOps client used here.
type PullRequestService interface {
	GetPullRequest(ctx context.Context, project, repository string, id int) (*azuredevops.PullRequest, error)
	CompletePullRequest(ctx context.Context, project, repository string, id int, mergeCommitID string, opts azuredevops.CompletionOptions) (*azuredevops.PullRequest, error)
}

// ConflictResolver rewrites a source branch so it merges cleanly.
type ConflictResolver interface {
	ResolveConflicts(ctx context.Context, remoteURL, credential, sourceBranch, targetBranch string) gitops.ResolveResult
}

// Config tunes the orchestrator's retry and polling behavior.
type Config struct {
	MaxRetries          int           `yaml:"max_retries"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	FirstEvaluationWait time.Duration `yaml:"first_evaluation_wait"`
	PostResolutionWait  time.Duration `yaml:"post_resolution_wait"`
	CompletionWait      time.Duration `yaml:"completion_wait"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BypassPolicy        bool          `yaml:"bypass_policy"`
	BypassReason        string        `yaml:"bypass_reason"`
	DeleteSourceBranch  bool          `yaml:"delete_source_branch"`
	MergeStrategy       string        `yaml:"merge_strategy"`
	ResolveOnFailure    bool          `yaml:"resolve_on_failure"` // also resolve when merge status is "failure"
	StrictResolution    bool          `yaml:"strict_resolution"`  // a failed resolution fails the attempt
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		PollInterval:        2 * time.Second,
		FirstEvaluationWait: 10 * time.Second,
		PostResolutionWait:  15 * time.Second,
		CompletionWait:      15 * time.Second,
		BackoffBase:         2 * time.Second,
		BypassPolicy:        true,
		BypassReason:        "Automated completion by ado-git-repo-seeder",
		DeleteSourceBranch:  true,
		MergeStrategy:       "noFastForward",
	}
}

// Result describes one CompleteWithResolution call.
type Result struct {
	Completed   bool
	Attempts    int
	Resolutions int
	Err         error
}
