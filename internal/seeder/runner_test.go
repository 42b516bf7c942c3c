package seeder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/collision"
	"github.com/oddessentials/ado-git-repo-seeder/internal/completion"
	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/ledger"
	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
	"github.com/oddessentials/ado-git-repo-seeder/internal/testutil"
)

type fakeRemote struct {
	mu         sync.Mutex
	repos      map[string]*azuredevops.GitRepo
	openCount  int
	createErr  map[string]error // by branch
	nextID     int
	created    []*azuredevops.PullRequestInput
	abandoned  []int
	listCalls  int
	publishErr error
}

func newFakeRemote(names ...string) *fakeRemote {
	f := &fakeRemote{repos: map[string]*azuredevops.GitRepo{}, nextID: 100}
	for _, n := range names {
		f.repos["Load/"+n] = &azuredevops.GitRepo{
			ID:            "id-" + n,
			Name:          n,
			RemoteURL:     "https://dev.azure.com/contoso/Load/_git/" + n,
			DefaultBranch: "refs/heads/main",
			Project:       &azuredevops.Project{Name: "Load"},
		}
	}
	return f
}

func (f *fakeRemote) GetRepository(_ context.Context, project, repo string) (*azuredevops.GitRepo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[project+"/"+repo]
	if !ok {
		return nil, &azuredevops.APIError{StatusCode: 404, Body: "not found"}
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRemote) CreatePullRequest(_ context.Context, _, _ string, in *azuredevops.PullRequestInput) (*azuredevops.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[in.SourceRefName]; err != nil {
		return nil, err
	}
	f.nextID++
	f.created = append(f.created, in)
	return &azuredevops.PullRequest{
		PullRequestID: f.nextID,
		SourceRefName: azuredevops.RefName(in.SourceRefName),
		TargetRefName: azuredevops.RefName(in.TargetRefName),
		IsDraft:       in.IsDraft,
		Status:        azuredevops.PRStateActive,
	}, nil
}

func (f *fakeRemote) AbandonPullRequest(_ context.Context, _, _ string, id int) (*azuredevops.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, id)
	return &azuredevops.PullRequest{PullRequestID: id, Status: azuredevops.PRStateAbandoned}, nil
}

func (f *fakeRemote) ListOpenPullRequests(_ context.Context, _, _ string) ([]*azuredevops.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]*azuredevops.PullRequest, f.openCount)
	for i := range out {
		out[i] = &azuredevops.PullRequest{PullRequestID: i + 1, Status: azuredevops.PRStateActive}
	}
	return out, nil
}

func (f *fakeRemote) PublishDraft(context.Context, string, string, int) error {
	return f.publishErr
}

type fakeWorkspace struct {
	mu        sync.Mutex
	remoteURL string
	branches  map[string]int // branch -> commits
	pushes    int
	closed    int
	branchErr error
}

func (w *fakeWorkspace) CreateBranch(_ context.Context, branch string, _ map[string]string, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed > 0 {
		return "", gitops.ErrWorkspaceClosed
	}
	if w.branchErr != nil {
		return "", w.branchErr
	}
	w.branches[branch] = 1
	return fmt.Sprintf("%s@1", branch), nil
}

func (w *fakeWorkspace) AppendCommit(_ context.Context, branch string, _ map[string]string, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed > 0 {
		return "", gitops.ErrWorkspaceClosed
	}
	w.branches[branch]++
	return fmt.Sprintf("%s@%d", branch, w.branches[branch]), nil
}

func (w *fakeWorkspace) Push(context.Context, string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed > 0 {
		return gitops.ErrWorkspaceClosed
	}
	w.pushes++
	return nil
}

func (w *fakeWorkspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWorkspace) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed > 0
}

type workspaces struct {
	mu      sync.Mutex
	byURL   map[string]*fakeWorkspace
	openErr error
}

func (ws *workspaces) opener() WorkspaceOpener {
	return func(_ context.Context, remoteURL, _, _ string) (Workspace, error) {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if ws.openErr != nil {
			return nil, ws.openErr
		}
		w := &fakeWorkspace{remoteURL: remoteURL, branches: map[string]int{}}
		if ws.byURL == nil {
			ws.byURL = map[string]*fakeWorkspace{}
		}
		ws.byURL[remoteURL] = w
		return w, nil
	}
}

func (ws *workspaces) get(url string) *fakeWorkspace {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.byURL[url]
}

type fakeCompleter struct {
	mu              sync.Mutex
	ws              *workspaces
	handles         []completion.Handle
	afterClose      int
	fail            map[string]error // by source branch
	resolutionsEach int
}

func (c *fakeCompleter) Complete(_ context.Context, h completion.Handle, _ string, _ int) completion.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, h)
	if c.ws != nil {
		if w := c.ws.get(h.RemoteURL); w != nil && w.isClosed() {
			c.afterClose++
		}
	}
	if err := c.fail[h.SourceBranch]; err != nil {
		return completion.Result{Err: err, Attempts: 3}
	}
	return completion.Result{Completed: true, Attempts: 1, Resolutions: c.resolutionsEach}
}

type fakeGuard struct {
	fail map[string]error // by repository
}

func (g fakeGuard) Ensure(_ context.Context, repository, _, _ string, _ []string) error {
	return g.fail[repository]
}

func targets(names ...string) []Target {
	out := make([]Target, len(names))
	for i, n := range names {
		out[i] = Target{Project: "Load", Repository: n}
	}
	return out
}

func completeOnly() Options {
	return Options{RunID: "run1", Seed: 11, PRsPerRepo: 3, Weights: OutcomeWeights{Complete: 1}, MaxRetries: 3}
}

func TestRunSeedsAndCompletes(t *testing.T) {
	remote := newFakeRemote("a", "b")
	ws := &workspaces{}
	completer := &fakeCompleter{ws: ws, resolutionsEach: 1}
	r := NewRunner(remote, completer, fakeGuard{}, ws.opener(), nil, targets("a", "b"), completeOnly())

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Mode != ModeSeed {
		t.Errorf("Mode = %q", summary.Mode)
	}
	if summary.Created != 6 || summary.Completed != 6 {
		t.Errorf("created/completed = %d/%d, want 6/6", summary.Created, summary.Completed)
	}
	if summary.Resolutions != 6 {
		t.Errorf("Resolutions = %d, want 6", summary.Resolutions)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("Failures = %+v", summary.Failures)
	}
	if completer.afterClose != 0 {
		t.Errorf("%d completions ran after the workspace was closed", completer.afterClose)
	}

	wantFollowUps := 0
	for _, repo := range []string{"Load/a", "Load/b"} {
		for _, pr := range GeneratePlan(11, "run1", repo, PlanOptions{PRCount: 3, Weights: OutcomeWeights{Complete: 1}}).PRs {
			wantFollowUps += len(pr.FollowUps)
		}
	}
	if summary.FollowUps != wantFollowUps {
		t.Errorf("FollowUps = %d, want %d", summary.FollowUps, wantFollowUps)
	}

	for url, w := range ws.byURL {
		if w.closed != 1 {
			t.Errorf("workspace %s closed %d times, want 1", url, w.closed)
		}
	}
	for _, h := range completer.handles {
		if !strings.HasPrefix(h.SourceBranch, "feature/run1-") || h.TargetBranch != "main" || h.Project != "Load" {
			t.Errorf("handle = %+v", h)
		}
	}
}

func TestRunCollisionIsFatal(t *testing.T) {
	remote := newFakeRemote("a")
	ws := &workspaces{}
	guard := fakeGuard{fail: map[string]error{
		"Load/a": &collision.Error{Repository: "Load/a", Branches: []string{"feature/run1-0"}},
	}}
	r := NewRunner(remote, &fakeCompleter{}, guard, ws.opener(), nil, targets("a"), completeOnly())

	summary, err := r.Run(context.Background())

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run error = %v, want *FatalError", err)
	}
	if !collision.IsFatal(err) {
		t.Error("fatal error should unwrap to the collision")
	}
	if summary.Fatal == nil || !summary.Fatal.Fatal || summary.Fatal.Phase != report.PhaseCollision {
		t.Errorf("summary.Fatal = %+v", summary.Fatal)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("fatal collision should not be a per-PR failure: %+v", summary.Failures)
	}
	if len(remote.created) != 0 || len(ws.byURL) != 0 {
		t.Error("no branches or pull requests may be created after a collision")
	}
}

func TestRunCollisionStopsOtherRepositories(t *testing.T) {
	remote := newFakeRemote("a", "b")
	ws := &workspaces{}
	guard := fakeGuard{fail: map[string]error{
		"Load/a": &collision.Error{Repository: "Load/a", Branches: []string{"feature/run1-0"}},
	}}
	r := NewRunner(remote, &fakeCompleter{}, guard, ws.opener(), nil, targets("a", "b"), completeOnly())

	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if ws.get("https://dev.azure.com/contoso/Load/_git/b") != nil {
		t.Error("repository b was processed after the run was aborted")
	}
}

// delayedGuard reports a collision for one repository after a delay.
type delayedGuard struct {
	repository string
	delay      time.Duration
}

func (g delayedGuard) Ensure(_ context.Context, repository, _, _ string, _ []string) error {
	if repository != g.repository {
		return nil
	}
	time.Sleep(g.delay)
	return &collision.Error{Repository: repository, Branches: []string{"feature/run1-0"}}
}

// slowCompleter takes a while per pull request and counts completions cut
// short by cancellation.
type slowCompleter struct {
	canceled  atomic.Int32
	completed atomic.Int32
}

func (c *slowCompleter) Complete(ctx context.Context, _ completion.Handle, _ string, _ int) completion.Result {
	select {
	case <-ctx.Done():
		c.canceled.Add(1)
		return completion.Result{Err: ctx.Err()}
	case <-time.After(100 * time.Millisecond):
		c.completed.Add(1)
		return completion.Result{Completed: true, Attempts: 1}
	}
}

func TestRunFatalLetsInFlightEpisodesFinish(t *testing.T) {
	remote := newFakeRemote("a", "b", "c")
	ws := &workspaces{}
	completer := &slowCompleter{}
	opts := completeOnly()
	opts.Concurrency = 2
	guard := delayedGuard{repository: "Load/a", delay: 50 * time.Millisecond}

	summary, err := NewRunner(remote, completer, guard, ws.opener(), nil, targets("a", "b", "c"), opts).Run(context.Background())

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run error = %v, want *FatalError", err)
	}
	if n := completer.canceled.Load(); n != 0 {
		t.Errorf("%d completions were canceled mid-attempt", n)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("Failures = %+v, want none", summary.Failures)
	}
	if summary.Completed != 3 || completer.completed.Load() != 3 {
		t.Errorf("Completed = %d (completer %d), want repository b's 3", summary.Completed, completer.completed.Load())
	}
	if ws.get("https://dev.azure.com/contoso/Load/_git/c") != nil {
		t.Error("repository c started after the fatal collision")
	}
}

func TestRunRecordsPerPRFailures(t *testing.T) {
	remote := newFakeRemote("a")
	remote.createErr = map[string]error{"feature/run1-1": &azuredevops.APIError{StatusCode: 400, Body: "bad ref"}}
	completer := &fakeCompleter{fail: map[string]error{"feature/run1-2": errors.New("retries exhausted")}}
	ws := &workspaces{}
	r := NewRunner(remote, completer, fakeGuard{}, ws.opener(), nil, targets("a"), completeOnly())

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("per-PR failures must not fail the run: %v", err)
	}
	if summary.Created != 2 || summary.Completed != 1 {
		t.Errorf("created/completed = %d/%d, want 2/1", summary.Created, summary.Completed)
	}

	phases := map[string]int{}
	for _, f := range summary.Failures {
		phases[f.Phase]++
	}
	if phases[report.PhaseCreate] != 1 || phases[report.PhaseComplete] != 1 {
		t.Errorf("failures by phase = %v", phases)
	}
}

func TestRunAbandonAndOpenOutcomes(t *testing.T) {
	remote := newFakeRemote("a")
	ws := &workspaces{}
	opts := completeOnly()

	opts.Weights = OutcomeWeights{Abandon: 1}
	summary, err := NewRunner(remote, &fakeCompleter{}, fakeGuard{}, ws.opener(), nil, targets("a"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Abandoned != 3 || len(remote.abandoned) != 3 {
		t.Errorf("abandoned = %d (remote %d), want 3", summary.Abandoned, len(remote.abandoned))
	}

	opts.RunID = "run2"
	opts.Weights = OutcomeWeights{Draft: 1}
	summary, err = NewRunner(remote, &fakeCompleter{}, fakeGuard{}, ws.opener(), nil, targets("a"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Drafts != 3 || summary.LeftOpen != 3 {
		t.Errorf("drafts/open = %d/%d, want 3/3", summary.Drafts, summary.LeftOpen)
	}
	for _, in := range remote.created[3:] {
		if !in.IsDraft {
			t.Errorf("pull request %s should be created as draft", in.SourceRefName)
		}
	}
}

func TestRunSwitchesToCleanup(t *testing.T) {
	remote := newFakeRemote("a", "b")
	remote.openCount = 4
	ws := &workspaces{}
	completer := &fakeCompleter{}
	opts := completeOnly()
	opts.CleanupThreshold = 5
	opts.CleanupTarget = 2

	summary, err := NewRunner(remote, completer, fakeGuard{}, ws.opener(), nil, targets("a", "b"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Mode != ModeCleanup {
		t.Fatalf("Mode = %q, want cleanup", summary.Mode)
	}
	if summary.Cleanup == nil || summary.Cleanup.OpenBefore != 8 || summary.Cleanup.PRsCompleted != 2 {
		t.Errorf("Cleanup = %+v", summary.Cleanup)
	}
	if len(ws.byURL) != 0 || len(remote.created) != 0 {
		t.Error("cleanup mode must not seed new pull requests")
	}
}

func TestRunDryRunCleanupReportsBacklog(t *testing.T) {
	remote := newFakeRemote("a", "b")
	remote.openCount = 4
	completer := &fakeCompleter{}
	opts := completeOnly()
	opts.CleanupThreshold = 5
	opts.CleanupTarget = 2
	opts.DryRun = true

	summary, err := NewRunner(remote, completer, fakeGuard{}, (&workspaces{}).opener(), nil, targets("a", "b"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Mode != ModeCleanup {
		t.Fatalf("Mode = %q, want cleanup", summary.Mode)
	}
	if summary.Cleanup == nil || summary.Cleanup.OpenBefore != 8 || summary.Cleanup.OpenAfter != 8 {
		t.Errorf("Cleanup = %+v, want 8 open before and after", summary.Cleanup)
	}
	if summary.Cleanup != nil && summary.Cleanup.PRsCompleted != 0 {
		t.Errorf("PRsCompleted = %d, want 0 in a dry run", summary.Cleanup.PRsCompleted)
	}
	if len(completer.handles) != 0 {
		t.Errorf("dry run completed %d pull requests", len(completer.handles))
	}
}

func TestRunBelowThresholdSeeds(t *testing.T) {
	remote := newFakeRemote("a")
	remote.openCount = 2
	opts := completeOnly()
	opts.CleanupThreshold = 5

	summary, err := NewRunner(remote, &fakeCompleter{}, fakeGuard{}, (&workspaces{}).opener(), nil, targets("a"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Mode != ModeSeed || summary.Created != 3 {
		t.Errorf("mode/created = %s/%d", summary.Mode, summary.Created)
	}
}

func TestRunDryRun(t *testing.T) {
	remote := newFakeRemote("a")
	ws := &workspaces{}
	store, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer func() { _ = store.Close() }()

	opts := completeOnly()
	opts.DryRun = true
	summary, err := NewRunner(remote, &fakeCompleter{}, fakeGuard{}, ws.opener(), store, targets("a"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.DryRun || summary.Created != 3 {
		t.Errorf("dry run summary = %+v", summary)
	}
	if len(ws.byURL) != 0 || len(remote.created) != 0 {
		t.Error("dry run touched the remote")
	}
	if seen, _ := store.HasRun("run1"); seen {
		t.Error("dry run was recorded in the ledger")
	}
}

func TestRunUnknownRepositoryAndWorkspaceFailure(t *testing.T) {
	remote := newFakeRemote("a")
	ws := &workspaces{openErr: errors.New("clone failed")}

	summary, err := NewRunner(remote, &fakeCompleter{}, fakeGuard{}, ws.opener(), nil, targets("a", "missing"), completeOnly()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	phases := map[string]int{}
	for _, f := range summary.Failures {
		phases[f.Phase]++
	}
	if phases[report.PhaseRepository] != 1 || phases[report.PhaseWorkspace] != 1 {
		t.Errorf("failures by phase = %v", phases)
	}
	if summary.Repositories != 1 {
		t.Errorf("Repositories = %d, want 1", summary.Repositories)
	}
}

func TestRunLedger(t *testing.T) {
	store, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer func() { _ = store.Close() }()

	remote := newFakeRemote("a")
	completer := &fakeCompleter{fail: map[string]error{"feature/run1-0": errors.New("409")}}
	if _, err := NewRunner(remote, completer, fakeGuard{}, (&workspaces{}).opener(), store, targets("a"), completeOnly()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := store.GetRun("run1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != ledger.StatusFailed || run.Seed != 11 {
		t.Errorf("run = %+v", run)
	}
	failures, _ := store.RunFailures("run1")
	if len(failures) != 1 || failures[0].Phase != report.PhaseComplete {
		t.Errorf("failures = %+v", failures)
	}
	outcomes, _ := store.RunOutcomes("run1")
	if len(outcomes) != 3 {
		t.Errorf("outcomes = %+v", outcomes)
	}

	// Fatal run.
	guard := fakeGuard{fail: map[string]error{"Load/a": &collision.Error{Repository: "Load/a", Branches: []string{"x"}}}}
	opts := completeOnly()
	opts.RunID = "run2"
	_, _ = NewRunner(remote, &fakeCompleter{}, guard, (&workspaces{}).opener(), store, targets("a"), opts).Run(context.Background())
	run, err = store.GetRun("run2")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != ledger.StatusFatal || run.FatalError == "" {
		t.Errorf("fatal run = %+v", run)
	}
}

func TestRunConcurrentRepositories(t *testing.T) {
	remote := newFakeRemote("a", "b", "c", "d")
	ws := &workspaces{}
	completer := &fakeCompleter{ws: ws}
	opts := completeOnly()
	opts.Concurrency = 4

	summary, err := NewRunner(remote, completer, fakeGuard{}, ws.opener(), nil, targets("a", "b", "c", "d"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 12 {
		t.Errorf("Completed = %d, want 12", summary.Completed)
	}
	if completer.afterClose != 0 {
		t.Errorf("%d completions ran after workspace close", completer.afterClose)
	}
}

func TestRunWithGitWorkspace(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	api := newFakeRemote("a")
	api.repos["Load/a"].RemoteURL = remote.URL

	opts := completeOnly()
	opts.Weights = OutcomeWeights{Open: 1}
	opener := GitWorkspaceOpener(gitops.WorkspaceOptions{Depth: 5})

	summary, err := NewRunner(api, &fakeCompleter{}, collision.NewGuard(gitops.NewRemoteLister()), opener, nil, targets("a"), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Failures) != 0 {
		t.Fatalf("Failures = %+v", summary.Failures)
	}
	for i := 0; i < 3; i++ {
		if tip := remote.Tip(t, BranchName("run1", i)); tip == "" {
			t.Errorf("branch %d missing on remote", i)
		}
	}

	// The same run id against the same remote is now a collision.
	_, err = NewRunner(api, &fakeCompleter{}, collision.NewGuard(gitops.NewRemoteLister()), opener, nil, targets("a"), opts).Run(context.Background())
	if !collision.IsFatal(err) {
		t.Errorf("rerun error = %v, want collision", err)
	}
}
