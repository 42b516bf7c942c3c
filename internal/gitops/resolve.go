package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

// ResolutionMarker tags every commit produced by conflict resolution.
const ResolutionMarker = "[automated-conflict-resolution]"

// ErrPushNotVisible means the force-push returned success but the remote
// still reports a different tip for the source branch.
var ErrPushNotVisible = errors.New("pushed commit not visible on remote")

// RemoteTipReader reports the commit a remote branch currently points at.
type RemoteTipReader interface {
	BranchTip(ctx context.Context, remoteURL, credential, branch string) (string, error)
}

// ResolveResult is the outcome of one ResolveConflicts call. Resolved is true
// only when the remote tip equals NewCommitSHA after the push.
type ResolveResult struct {
	Resolved     bool
	NewCommitSHA string
	Err          error
}

// ResolverConfig tunes the resolver.
type ResolverConfig struct {
	CloneDepth     int           `yaml:"clone_depth"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	VerifyAttempts int           `yaml:"verify_attempts"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	Author         Identity      `yaml:"author"`
}

// DefaultResolverConfig returns resolver defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		CloneDepth:     50,
		CommandTimeout: defaultCommandTimeout,
		VerifyAttempts: 3,
		VerifyInterval: time.Second,
		Author:         DefaultIdentity(),
	}
}

// Resolver rewrites a conflicting source branch so the remote can evaluate
// the pull request as mergeable again.
type Resolver struct {
	cfg    ResolverConfig
	tips   RemoteTipReader
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil tips reader uses go-git listing.
func NewResolver(cfg ResolverConfig, tips RemoteTipReader) *Resolver {
	def := DefaultResolverConfig()
	if cfg.CloneDepth <= 0 {
		cfg.CloneDepth = def.CloneDepth
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = def.VerifyAttempts
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = def.VerifyInterval
	}
	if cfg.Author.Name == "" || cfg.Author.Email == "" {
		cfg.Author = def.Author
	}
	if tips == nil {
		tips = NewRemoteLister()
	}
	return &Resolver{
		cfg:    cfg,
		tips:   tips,
		now:    time.Now,
		logger: logging.WithComponent("resolver"),
	}
}

// ResolveConflicts merges targetBranch into sourceBranch preferring the
// source side, force-pushes the result and verifies the remote tip. Work
// happens in a fresh temporary clone that is removed before returning.
func (r *Resolver) ResolveConflicts(ctx context.Context, remoteURL, credential, sourceBranch, targetBranch string) ResolveResult {
	log := r.logger.With(
		slog.String("source", sourceBranch),
		slog.String("target", targetBranch),
	)

	sha, err := r.resolve(ctx, remoteURL, credential, sourceBranch, targetBranch)
	if err != nil {
		log.Warn("Conflict resolution failed", slog.Any("error", err))
		return ResolveResult{Resolved: false, NewCommitSHA: sha, Err: err}
	}

	log.Info("Conflict resolution pushed and verified", slog.String("commit", sha))
	return ResolveResult{Resolved: true, NewCommitSHA: sha}
}

func (r *Resolver) resolve(ctx context.Context, remoteURL, credential, source, target string) (string, error) {
	helper, err := newCredentialHelper(credential)
	if err != nil {
		return "", err
	}
	defer func() { _ = helper.Close() }()

	tmp, err := os.MkdirTemp("", "seeder-resolve-*")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	base := newGitRunner(tmp, helper, r.cfg.Author, r.cfg.CommandTimeout)
	depth := strconv.Itoa(r.cfg.CloneDepth)

	if _, err := base.run(ctx, "clone", "--depth", depth, "--no-tags",
		"--single-branch", "--branch", source, remoteURL, "repo"); err != nil {
		return "", fmt.Errorf("clone source branch: %w", err)
	}
	g := base.in(filepath.Join(tmp, "repo"))

	sourceRef := "refs/remotes/origin/" + source
	targetRef := "refs/remotes/origin/" + target

	if _, err := g.run(ctx, "fetch", "--depth", depth, "--no-tags", "origin",
		"+refs/heads/"+source+":"+sourceRef); err != nil {
		return "", fmt.Errorf("fetch source branch: %w", err)
	}
	if _, err := g.run(ctx, "reset", "--hard", sourceRef); err != nil {
		return "", fmt.Errorf("reset source branch: %w", err)
	}
	if _, err := g.run(ctx, "fetch", "--depth", depth, "--no-tags", "origin",
		"+refs/heads/"+target+":"+targetRef); err != nil {
		return "", fmt.Errorf("fetch target branch: %w", err)
	}

	before, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read source tip: %w", err)
	}

	msg := fmt.Sprintf("Merge %s into %s %s", target, source, ResolutionMarker)
	if _, mergeErr := g.run(ctx, "merge", "-X", "ours", "--allow-unrelated-histories",
		"--no-edit", "-m", msg, targetRef); mergeErr != nil {
		r.logger.Debug("Merge failed, falling back to marker commit",
			slog.String("source", source),
			slog.Any("error", mergeErr),
		)
		_, _ = g.run(ctx, "merge", "--abort")
		if err := r.markerCommit(ctx, g, source, target); err != nil {
			return "", err
		}
	}

	sha, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read merged tip: %w", err)
	}
	// An up-to-date merge creates nothing; the remote needs a new commit to
	// schedule a fresh evaluation.
	if sha == before {
		if err := r.markerCommit(ctx, g, source, target); err != nil {
			return "", err
		}
		if sha, err = g.run(ctx, "rev-parse", "HEAD"); err != nil {
			return "", fmt.Errorf("read marker tip: %w", err)
		}
	}

	if _, err := g.run(ctx, "push", "--force", "origin", "HEAD:refs/heads/"+source); err != nil {
		return sha, fmt.Errorf("force-push source branch: %w", err)
	}

	if err := r.verify(ctx, remoteURL, credential, source, sha); err != nil {
		return sha, err
	}
	return sha, nil
}

func (r *Resolver) markerCommit(ctx context.Context, g *gitRunner, source, target string) error {
	msg := fmt.Sprintf("Resolve %s against %s at %s %s",
		source, target, r.now().UTC().Format(time.RFC3339), ResolutionMarker)
	if _, err := g.run(ctx, "commit", "--allow-empty", "-m", msg); err != nil {
		return fmt.Errorf("marker commit: %w", err)
	}
	return nil
}

// verify re-reads the remote tip until it matches sha or attempts run out.
func (r *Resolver) verify(ctx context.Context, remoteURL, credential, branch, sha string) error {
	var lastTip string
	var lastErr error
	for attempt := 1; attempt <= r.cfg.VerifyAttempts; attempt++ {
		tip, err := r.tips.BranchTip(ctx, remoteURL, credential, branch)
		if err == nil && tip == sha {
			return nil
		}
		lastTip, lastErr = tip, err

		if attempt == r.cfg.VerifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.VerifyInterval):
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrPushNotVisible, lastErr)
	}
	return fmt.Errorf("%w: remote %s at %s, expected %s", ErrPushNotVisible, branch, lastTip, sha)
}
