package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrWorkspaceClosed is returned by any operation after Close.
var ErrWorkspaceClosed = errors.New("workspace is closed")

// WorkspaceOptions configure a seeding workspace.
type WorkspaceOptions struct {
	Depth          int
	CommandTimeout time.Duration
	Author         Identity
}

// Workspace is an ephemeral clone used to create and push seeded branches.
// It must stay open until every pull request operation that may need it has
// finished, then be closed exactly once (Close is idempotent).
type Workspace struct {
	mu         sync.Mutex
	root       string
	helper     *credentialHelper
	git        *gitRunner
	baseBranch string
	closed     bool
}

// OpenWorkspace clones baseBranch of remoteURL into a new temp directory.
func OpenWorkspace(ctx context.Context, remoteURL, credential, baseBranch string, opts WorkspaceOptions) (*Workspace, error) {
	if opts.Author.Name == "" || opts.Author.Email == "" {
		opts.Author = DefaultIdentity()
	}

	helper, err := newCredentialHelper(credential)
	if err != nil {
		return nil, err
	}
	root, err := os.MkdirTemp("", "seeder-workspace-*")
	if err != nil {
		_ = helper.Close()
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}

	base := newGitRunner(root, helper, opts.Author, opts.CommandTimeout)
	args := []string{"clone", "--no-tags", "--single-branch", "--branch", baseBranch}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	args = append(args, remoteURL, "repo")
	if _, err := base.run(ctx, args...); err != nil {
		_ = helper.Close()
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("clone %s: %w", baseBranch, err)
	}

	return &Workspace{
		root:       root,
		helper:     helper,
		git:        base.in(filepath.Join(root, "repo")),
		baseBranch: baseBranch,
	}, nil
}

// Dir returns the clone's working directory.
func (w *Workspace) Dir() string {
	return w.git.dir
}

// CreateBranch creates branch from the base branch, writes files and commits.
// Returns the new commit id.
func (w *Workspace) CreateBranch(ctx context.Context, branch string, files map[string]string, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWorkspaceClosed
	}

	if _, err := w.git.run(ctx, "checkout", "-B", branch, "origin/"+w.baseBranch); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	return w.commitFiles(ctx, files, message)
}

// AppendCommit adds a follow-up commit on an existing local branch.
func (w *Workspace) AppendCommit(ctx context.Context, branch string, files map[string]string, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWorkspaceClosed
	}

	if _, err := w.git.run(ctx, "checkout", branch); err != nil {
		return "", fmt.Errorf("checkout %s: %w", branch, err)
	}
	return w.commitFiles(ctx, files, message)
}

// Push pushes branch to the remote branch of the same name.
func (w *Workspace) Push(ctx context.Context, branch string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkspaceClosed
	}

	if _, err := w.git.run(ctx, "push", "origin", "refs/heads/"+branch+":refs/heads/"+branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// Close removes the clone and the credential helper.
func (w *Workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	herr := w.helper.Close()
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return herr
}

// commitFiles must be called with mu held.
func (w *Workspace) commitFiles(ctx context.Context, files map[string]string, message string) (string, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !filepath.IsLocal(name) {
			return "", fmt.Errorf("refusing to write outside workspace: %q", name)
		}
		path := filepath.Join(w.git.dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(files[name]), 0644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if _, err := w.git.run(ctx, "add", "--all"); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}
	if _, err := w.git.run(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	sha, err := w.git.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read commit: %w", err)
	}
	return sha, nil
}
