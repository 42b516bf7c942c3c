package completion

import (
	"context"
	"sync"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
)

// fakePRService replays a script of evaluations. The last entry repeats.
type fakePRService struct {
	mu sync.Mutex

	evaluations []MergeEvaluation
	getErrs     []error
	gets        int

	completeErrs []error
	completeIDs  []string
	completed    bool
	// completeOnSuccess marks the PR completed when CompletePullRequest succeeds.
	completeOnSuccess bool
}

func newFakePRService(evals ...MergeEvaluation) *fakePRService {
	return &fakePRService{evaluations: evals, completeOnSuccess: true}
}

func (f *fakePRService) GetPullRequest(_ context.Context, _, _ string, id int) (*azuredevops.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.gets
	f.gets++
	if idx < len(f.getErrs) && f.getErrs[idx] != nil {
		return nil, f.getErrs[idx]
	}

	eval := MergeEvaluation{Status: azuredevops.PRStateActive, MergeStatus: azuredevops.MergeStatusQueued}
	if len(f.evaluations) > 0 {
		eval = f.evaluations[min(idx, len(f.evaluations)-1)]
	}
	pr := &azuredevops.PullRequest{
		PullRequestID: id,
		Status:        eval.Status,
		MergeStatus:   eval.MergeStatus,
	}
	if pr.Status == "" {
		pr.Status = azuredevops.PRStateActive
	}
	if f.completed {
		pr.Status = azuredevops.PRStateCompleted
	}
	if eval.MergeCommitID != "" {
		pr.LastMergeSourceCommit = &azuredevops.GitCommitRef{CommitID: eval.MergeCommitID}
	}
	return pr, nil
}

func (f *fakePRService) CompletePullRequest(_ context.Context, _, _ string, id int, commitID string, _ azuredevops.CompletionOptions) (*azuredevops.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := len(f.completeIDs)
	f.completeIDs = append(f.completeIDs, commitID)
	if idx < len(f.completeErrs) && f.completeErrs[idx] != nil {
		return nil, f.completeErrs[idx]
	}
	if f.completeOnSuccess {
		f.completed = true
	}
	return &azuredevops.PullRequest{PullRequestID: id}, nil
}

// setEvaluations replaces the script and restarts it from the beginning.
func (f *fakePRService) setEvaluations(evals ...MergeEvaluation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluations = evals
	f.gets = 0
	f.getErrs = nil
}

type fakeResolver struct {
	results []gitops.ResolveResult
	calls   int
	onCall  func()
}

func (r *fakeResolver) ResolveConflicts(_ context.Context, _, _, _, _ string) gitops.ResolveResult {
	idx := r.calls
	r.calls++
	if r.onCall != nil {
		r.onCall()
	}
	if len(r.results) == 0 {
		return gitops.ResolveResult{Resolved: true, NewCommitSHA: "resolved"}
	}
	return r.results[min(idx, len(r.results)-1)]
}

func apiErr(status int) error {
	return &azuredevops.APIError{Method: "PATCH", Path: "/pullrequests/1", StatusCode: status}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.FirstEvaluationWait = 20 * time.Millisecond
	cfg.PostResolutionWait = 20 * time.Millisecond
	cfg.CompletionWait = 20 * time.Millisecond
	return cfg
}

// newTestOrchestrator records backoff sleeps instead of waiting.
func newTestOrchestrator(prs PullRequestService, resolver ConflictResolver, cfg Config) (*Orchestrator, *[]time.Duration) {
	o := NewOrchestrator(prs, resolver, cfg)
	var sleeps []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return o, &sleeps
}

var testHandle = Handle{
	Project:       "Load",
	RepositoryID:  "repo-1",
	PullRequestID: 7,
	SourceBranch:  "feature/run-1-0",
	TargetBranch:  "main",
	RemoteURL:     "https://dev.azure.com/contoso/Load/_git/repo-1",
}

func succeeded(commit string) MergeEvaluation {
	return MergeEvaluation{Status: azuredevops.PRStateActive, MergeStatus: azuredevops.MergeStatusSucceeded, MergeCommitID: commit}
}

func conflicts(commit string) MergeEvaluation {
	return MergeEvaluation{Status: azuredevops.PRStateActive, MergeStatus: azuredevops.MergeStatusConflicts, MergeCommitID: commit}
}
