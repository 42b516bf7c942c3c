package main

import (
	"github.com/oddessentials/ado-git-repo-seeder/internal/adapters/azuredevops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/collision"
	"github.com/oddessentials/ado-git-repo-seeder/internal/completion"
	"github.com/oddessentials/ado-git-repo-seeder/internal/config"
	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/ledger"
	"github.com/oddessentials/ado-git-repo-seeder/internal/seeder"
)

// app holds the components every command is built from.
type app struct {
	cfg          *config.Config
	client       *azuredevops.Client
	orchestrator *completion.Orchestrator
	guard        *collision.Guard
}

func newApp(cfg *config.Config) *app {
	client := azuredevops.NewClientWithConfig(cfg.API())

	gitCfg := gitops.DefaultResolverConfig()
	if cfg.Git != nil {
		gitCfg = *cfg.Git
	}
	compCfg := completion.DefaultConfig()
	if cfg.Completion != nil {
		compCfg = *cfg.Completion
	}

	return &app{
		cfg:          cfg,
		client:       client,
		orchestrator: completion.NewOrchestrator(client, gitops.NewResolver(gitCfg, nil), compCfg),
		guard:        collision.NewGuard(gitops.NewRemoteLister()),
	}
}

// workspaceOpener builds git workspaces with the configured clone settings.
func (a *app) workspaceOpener() seeder.WorkspaceOpener {
	opts := gitops.WorkspaceOptions{}
	if a.cfg.Git != nil {
		opts.Depth = a.cfg.Git.CloneDepth
		opts.CommandTimeout = a.cfg.Git.CommandTimeout
		opts.Author = a.cfg.Git.Author
	}
	return seeder.GitWorkspaceOpener(opts)
}

// openLedger opens the configured ledger. A nil store is returned when the
// ledger is disabled.
func (a *app) openLedger() (*ledger.Store, error) {
	if a.cfg.Ledger == nil {
		return nil, nil
	}
	return ledger.Open(a.cfg.Ledger.Path)
}

// runner assembles a run over every configured repository.
func (a *app) runner(store *ledger.Store, opts seeder.Options) *seeder.Runner {
	return seeder.NewRunner(a.client, a.orchestrator, a.guard, a.workspaceOpener(), store, a.cfg.Targets(), opts)
}

// completionHandle addresses an existing pull request for the orchestrator.
func (a *app) completionHandle(repo *azuredevops.GitRepo, pr *azuredevops.PullRequest) completion.Handle {
	return completion.Handle{
		Project:       repo.ProjectName(),
		RepositoryID:  repo.Ref(),
		PullRequestID: pr.PullRequestID,
		SourceBranch:  pr.SourceBranch(),
		TargetBranch:  pr.TargetBranch(),
		RemoteURL:     repo.RemoteURL,
	}
}
