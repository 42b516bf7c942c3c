// Package seeder drives seeding runs: per-repository episodes that create
// branches and pull requests and apply planned outcomes, or a cleanup pass
// when the open backlog is too large.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/cleanup"
	"github.com/oddessentials/ado-git-repo-seeder/internal/collision"
	"github.com/oddessentials/ado-git-repo-seeder/internal/completion"
	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/ledger"
	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
	"github.com/oddessentials/ado-git-repo-seeder/internal/report"
)

// Run modes
const (
	ModeSeed    = "seed"
	ModeCleanup = "cleanup"
)

// FatalError aborts the whole run. It is distinct from per-PR failures,
// which are recorded and never propagated.
type FatalError struct {
	Repository string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal in %s: %v", e.Repository, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Target names a configured repository.
type Target struct {
	Project    string
	Repository string
}

func (t Target) String() string {
	return t.Project + "/" + t.Repository
}

// Remote is the subset of the Azure DevOps client a run needs.
type Remote interface {
	cleanup.Remote
	GetRepository(ctx context.Context, project, repository string) (*azuredevops.GitRepo, error)
	CreatePullRequest(ctx context.Context, project, repository string, input *azuredevops.PullRequestInput) (*azuredevops.PullRequest, error)
	AbandonPullRequest(ctx context.Context, project, repository string, id int) (*azuredevops.PullRequest, error)
}

// CollisionChecker fails with a *collision.Error when branches already exist.
type CollisionChecker interface {
	Ensure(ctx context.Context, repository, remoteURL, credential string, candidates []string) error
}

// Workspace is the local clone an episode works in.
type Workspace interface {
	CreateBranch(ctx context.Context, branch string, files map[string]string, message string) (string, error)
	AppendCommit(ctx context.Context, branch string, files map[string]string, message string) (string, error)
	Push(ctx context.Context, branch string) error
	Close() error
}

// WorkspaceOpener opens a workspace on baseBranch of remoteURL.
type WorkspaceOpener func(ctx context.Context, remoteURL, credential, baseBranch string) (Workspace, error)

// GitWorkspaceOpener opens real git workspaces.
func GitWorkspaceOpener(opts gitops.WorkspaceOptions) WorkspaceOpener {
	return func(ctx context.Context, remoteURL, credential, baseBranch string) (Workspace, error) {
		ws, err := gitops.OpenWorkspace(ctx, remoteURL, credential, baseBranch, opts)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
}

// Options configure a run.
type Options struct {
	RunID            string
	Seed             uint64
	PRsPerRepo       int
	Concurrency      int
	Weights          OutcomeWeights
	ConflictRate     float64
	CleanupThreshold int // open PRs above this switch the run to cleanup mode; 0 disables
	CleanupTarget    int
	MaxRetries       int
	Credential       string
	DryRun           bool
}

// Runner executes one run over the configured targets.
type Runner struct {
	remote        Remote
	completer     cleanup.Completer
	guard         CollisionChecker
	openWorkspace WorkspaceOpener
	ledger        *ledger.Store
	targets       []Target
	opts          Options
	logger        *slog.Logger
}

// NewRunner creates a runner. store may be nil.
func NewRunner(remote Remote, completer cleanup.Completer, guard CollisionChecker, opener WorkspaceOpener, store *ledger.Store, targets []Target, opts Options) *Runner {
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Uint64()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{
		remote:        remote,
		completer:     completer,
		guard:         guard,
		openWorkspace: opener,
		ledger:        store,
		targets:       targets,
		opts:          opts,
		logger:        logging.WithComponent("seeder"),
	}
}

// RunID returns the run id in use.
func (r *Runner) RunID() string {
	return r.opts.RunID
}

// collector gathers results from concurrently running episodes.
type collector struct {
	mu      sync.Mutex
	runID   string
	summary *report.Summary
	ledger  *ledger.Store
	logger  *slog.Logger
}

func (c *collector) fail(f report.Failure) {
	c.mu.Lock()
	c.summary.Failures = append(c.summary.Failures, f)
	c.mu.Unlock()

	if err := c.ledger.RecordFailure(c.runID, f); err != nil {
		c.logger.Warn("Failed to persist failure", slog.Any("error", err))
	}
}

func (c *collector) update(fn func(s *report.Summary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.summary)
}

func (c *collector) outcome(o ledger.Outcome) {
	if err := c.ledger.RecordOutcome(c.runID, o); err != nil {
		c.logger.Warn("Failed to persist outcome", slog.Any("error", err))
	}
}

// Run executes the run. Per-PR failures end up in the summary. The returned
// error is non-nil only for a *FatalError or a canceled context.
func (r *Runner) Run(ctx context.Context) (*report.Summary, error) {
	ctx = logging.ContextWithRunID(ctx, r.opts.RunID)
	log := logging.WithContext(ctx).With(slog.String("component", "seeder"))

	summary := &report.Summary{
		RunID:     r.opts.RunID,
		Mode:      ModeSeed,
		Seed:      r.opts.Seed,
		DryRun:    r.opts.DryRun,
		StartedAt: time.Now(),
		Failures:  []report.Failure{},
	}
	// A dry run leaves no trace in the ledger.
	store := r.ledger
	if r.opts.DryRun {
		store = nil
	}
	c := &collector{runID: r.opts.RunID, summary: summary, ledger: store, logger: r.logger}

	if seen, err := r.ledger.HasRun(r.opts.RunID); err != nil {
		log.Warn("Failed to check ledger for previous runs", slog.Any("error", err))
	} else if seen {
		log.Warn("Run id was used before; the collision guard will reject existing branches")
	}

	repos := r.resolve(ctx, c)
	summary.Repositories = len(repos)

	mode, err := r.chooseMode(ctx, repos)
	if err != nil {
		log.Warn("Failed to count open pull requests, continuing in seed mode", slog.Any("error", err))
	}
	summary.Mode = mode

	if err := store.BeginRun(r.opts.RunID, mode, r.opts.Seed, summary.StartedAt); err != nil {
		log.Warn("Failed to record run start", slog.Any("error", err))
	}

	log.Info("Run started",
		slog.String("mode", mode),
		slog.Int("repositories", len(repos)),
		slog.Uint64("seed", r.opts.Seed),
	)

	var runErr error
	if mode == ModeCleanup {
		r.runCleanup(ctx, repos, c)
	} else {
		runErr = r.runEpisodes(ctx, repos, c)
	}

	summary.FinishedAt = time.Now()
	r.finish(store, summary, runErr)

	log.Info("Run finished",
		slog.Int("created", summary.Created),
		slog.Int("completed", summary.Completed),
		slog.Int("failures", len(summary.Failures)),
		slog.Bool("fatal", summary.Fatal != nil),
	)
	return summary, runErr
}

// resolve looks up every target; unknown repositories are recorded and skipped.
func (r *Runner) resolve(ctx context.Context, c *collector) []*azuredevops.GitRepo {
	var repos []*azuredevops.GitRepo
	for _, t := range r.targets {
		repo, err := r.remote.GetRepository(ctx, t.Project, t.Repository)
		if err != nil {
			c.fail(report.Failure{Repository: t.String(), Phase: report.PhaseRepository, Message: err.Error()})
			continue
		}
		if repo.Project == nil || repo.Project.Name == "" {
			repo.Project = &azuredevops.Project{Name: t.Project}
		}
		repos = append(repos, repo)
	}
	return repos
}

func (r *Runner) chooseMode(ctx context.Context, repos []*azuredevops.GitRepo) (string, error) {
	if r.opts.CleanupThreshold <= 0 {
		return ModeSeed, nil
	}
	open := 0
	for _, repo := range repos {
		prs, err := r.remote.ListOpenPullRequests(ctx, repo.ProjectName(), repo.Ref())
		if err != nil {
			return ModeSeed, fmt.Errorf("list open pull requests in %s: %w", repo.FullName(), err)
		}
		open += len(prs)
	}
	if open > r.opts.CleanupThreshold {
		r.logger.Info("Open backlog above threshold, switching to cleanup",
			slog.Int("open", open),
			slog.Int("threshold", r.opts.CleanupThreshold),
		)
		return ModeCleanup, nil
	}
	return ModeSeed, nil
}

func (r *Runner) runCleanup(ctx context.Context, repos []*azuredevops.GitRepo, c *collector) {
	p := cleanup.NewPrioritizer(r.remote, r.completer, repos, r.opts.Credential, r.opts.MaxRetries)
	if r.opts.DryRun {
		backlog, failures := p.Backlog(ctx)
		open := len(backlog)
		c.update(func(s *report.Summary) {
			s.Cleanup = &report.CleanupStats{OpenBefore: open, OpenAfter: open}
		})
		for _, f := range failures {
			c.fail(f)
		}
		return
	}
	stats := p.RunCleanup(ctx, r.opts.CleanupTarget)

	c.update(func(s *report.Summary) { s.Cleanup = stats.Report() })
	for _, f := range stats.Failures {
		c.fail(f)
	}
}

// runEpisodes runs one episode per repository. A fatal episode stops new
// episodes from starting; episodes already running finish under ctx.
func (r *Runner) runEpisodes(ctx context.Context, repos []*azuredevops.GitRepo, c *collector) error {
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)

	var stopped atomic.Bool
	for _, repo := range repos {
		g.Go(func() error {
			if stopped.Load() || ctx.Err() != nil {
				return nil
			}
			if err := r.runEpisode(ctx, repo, c); err != nil {
				stopped.Store(true)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Runner) finish(store *ledger.Store, summary *report.Summary, runErr error) {
	status := ledger.StatusSucceeded
	fatalMsg := ""

	var fatal *FatalError
	switch {
	case errors.As(runErr, &fatal):
		status = ledger.StatusFatal
		fatalMsg = fatal.Error()
		summary.Fatal = &report.Failure{
			Repository: fatal.Repository,
			Phase:      report.PhaseCollision,
			Message:    fatal.Err.Error(),
			Fatal:      true,
		}
		if err := store.RecordFailure(r.opts.RunID, *summary.Fatal); err != nil {
			r.logger.Warn("Failed to persist fatal failure", slog.Any("error", err))
		}
	case runErr != nil || len(summary.Failures) > 0:
		status = ledger.StatusFailed
	}

	if err := store.FinishRun(r.opts.RunID, status, fatalMsg, summary.FinishedAt); err != nil {
		r.logger.Warn("Failed to record run finish", slog.Any("error", err))
	}
}

// createdPR pairs a plan entry with the pull request created for it.
type createdPR struct {
	plan PRPlan
	pr   *azuredevops.PullRequest
}

// runEpisode seeds one repository. It returns an error only for fatal
// conditions; everything else is recorded through c.
func (r *Runner) runEpisode(ctx context.Context, repo *azuredevops.GitRepo, c *collector) error {
	name := repo.FullName()
	ctx = logging.ContextWithRepository(ctx, name)
	log := logging.WithContext(ctx).With(slog.String("component", "seeder"))

	plan := GeneratePlan(r.opts.Seed, r.opts.RunID, name, PlanOptions{
		PRCount:      r.opts.PRsPerRepo,
		Weights:      r.opts.Weights,
		ConflictRate: r.opts.ConflictRate,
	})

	if err := r.guard.Ensure(ctx, name, repo.RemoteURL, r.opts.Credential, plan.Branches()); err != nil {
		if collision.IsFatal(err) {
			log.Error("Branch collision, aborting run", slog.Any("error", err))
			return &FatalError{Repository: name, Err: err}
		}
		c.fail(report.Failure{Repository: name, Phase: report.PhaseCollision, Message: err.Error()})
		return nil
	}

	if r.opts.DryRun {
		c.update(func(s *report.Summary) { s.Created += len(plan.PRs) })
		log.Info("Dry run, plan only", slog.Int("prs", len(plan.PRs)))
		return nil
	}

	ws, err := r.openWorkspace(ctx, repo.RemoteURL, r.opts.Credential, repo.DefaultBranchName())
	if err != nil {
		c.fail(report.Failure{Repository: name, Phase: report.PhaseWorkspace, Message: err.Error()})
		return nil
	}
	// The workspace outlives every PR operation below, follow-ups included.
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn("Failed to remove workspace", slog.Any("error", err))
		}
	}()

	created := r.createPullRequests(ctx, repo, ws, plan, c)
	r.pushFollowUps(ctx, repo, ws, created, c)
	r.applyOutcomes(ctx, repo, created, c)
	return nil
}

func (r *Runner) createPullRequests(ctx context.Context, repo *azuredevops.GitRepo, ws Workspace, plan RepoPlan, c *collector) []createdPR {
	name := repo.FullName()
	var created []createdPR

	for _, p := range plan.PRs {
		if ctx.Err() != nil {
			break
		}

		if _, err := ws.CreateBranch(ctx, p.Branch, p.Files, p.CommitMessage); err != nil {
			c.fail(report.Failure{Repository: name, Phase: report.PhaseBranch, Message: err.Error()})
			continue
		}
		if err := ws.Push(ctx, p.Branch); err != nil {
			c.fail(report.Failure{Repository: name, Phase: report.PhaseBranch, Message: err.Error()})
			continue
		}

		pr, err := r.remote.CreatePullRequest(ctx, repo.ProjectName(), repo.Ref(), &azuredevops.PullRequestInput{
			Title:         p.Title,
			Description:   p.Description,
			SourceRefName: p.Branch,
			TargetRefName: repo.DefaultBranchName(),
			IsDraft:       p.Outcome == OutcomeDraft,
		})
		if err != nil {
			c.fail(report.Failure{Repository: name, Phase: report.PhaseCreate, Message: err.Error()})
			continue
		}

		created = append(created, createdPR{plan: p, pr: pr})
		c.update(func(s *report.Summary) { s.Created++ })
	}
	return created
}

func (r *Runner) pushFollowUps(ctx context.Context, repo *azuredevops.GitRepo, ws Workspace, created []createdPR, c *collector) {
	name := repo.FullName()
	for _, cp := range created {
		for _, fu := range cp.plan.FollowUps {
			if ctx.Err() != nil {
				return
			}
			if _, err := ws.AppendCommit(ctx, cp.plan.Branch, fu.Files, fu.Message); err != nil {
				c.fail(report.Failure{Repository: name, PullRequestID: cp.pr.PullRequestID, Phase: report.PhaseFollowUp, Message: err.Error()})
				break
			}
			if err := ws.Push(ctx, cp.plan.Branch); err != nil {
				c.fail(report.Failure{Repository: name, PullRequestID: cp.pr.PullRequestID, Phase: report.PhaseFollowUp, Message: err.Error()})
				break
			}
			c.update(func(s *report.Summary) { s.FollowUps++ })
		}
	}
}

func (r *Runner) applyOutcomes(ctx context.Context, repo *azuredevops.GitRepo, created []createdPR, c *collector) {
	name := repo.FullName()
	for _, cp := range created {
		if ctx.Err() != nil {
			return
		}
		id := cp.pr.PullRequestID
		ok := true

		switch cp.plan.Outcome {
		case OutcomeComplete:
			h := completion.Handle{
				Project:       repo.ProjectName(),
				RepositoryID:  repo.Ref(),
				PullRequestID: id,
				SourceBranch:  cp.plan.Branch,
				TargetBranch:  repo.DefaultBranchName(),
				RemoteURL:     repo.RemoteURL,
			}
			res := r.completer.Complete(ctx, h, r.opts.Credential, r.opts.MaxRetries)
			c.update(func(s *report.Summary) { s.Resolutions += res.Resolutions })
			if res.Completed {
				c.update(func(s *report.Summary) { s.Completed++ })
			} else {
				ok = false
				msg := "completion failed"
				if res.Err != nil {
					msg = res.Err.Error()
				}
				c.fail(report.Failure{Repository: name, PullRequestID: id, Phase: report.PhaseComplete, Message: msg})
			}

		case OutcomeAbandon:
			if _, err := r.remote.AbandonPullRequest(ctx, repo.ProjectName(), repo.Ref(), id); err != nil {
				ok = false
				c.fail(report.Failure{Repository: name, PullRequestID: id, Phase: report.PhaseAbandon, Message: err.Error()})
			} else {
				c.update(func(s *report.Summary) { s.Abandoned++ })
			}

		case OutcomeDraft:
			c.update(func(s *report.Summary) { s.Drafts++; s.LeftOpen++ })

		default:
			c.update(func(s *report.Summary) { s.LeftOpen++ })
		}

		c.outcome(ledger.Outcome{
			Repository:    name,
			PullRequestID: id,
			Branch:        cp.plan.Branch,
			Outcome:       string(cp.plan.Outcome),
			Succeeded:     ok,
		})
	}
}
