// Package gitops materializes local repository state and performs git-level
// conflict resolution with verified force-pushes. Credentials are handed to
// git through a short-lived askpass helper and never reach .git/config.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const defaultCommandTimeout = 5 * time.Minute

// Identity is the author/committer used for generated commits.
type Identity struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// DefaultIdentity is used when no author is configured.
func DefaultIdentity() Identity {
	return Identity{Name: "ADO Seeder", Email: "seeder@noreply.invalid"}
}

// GitError provides context for git command failures
type GitError struct {
	Command string
	Output  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Output == "" {
		return "git " + e.Command + ": " + e.Err.Error()
	}
	return "git " + e.Command + ": " + e.Output
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// gitRunner runs git subprocesses in one directory with a fixed environment.
type gitRunner struct {
	dir     string
	env     []string
	timeout time.Duration
}

func newGitRunner(dir string, helper *credentialHelper, author Identity, timeout time.Duration) *gitRunner {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
		"GIT_AUTHOR_NAME="+author.Name,
		"GIT_AUTHOR_EMAIL="+author.Email,
		"GIT_COMMITTER_NAME="+author.Name,
		"GIT_COMMITTER_EMAIL="+author.Email,
	)
	env = append(env, helper.env()...)
	return &gitRunner{dir: dir, env: env, timeout: timeout}
}

// run executes git with args and returns trimmed combined output. Stored
// credential helpers are disabled for every invocation so nothing can cache
// the token.
func (g *gitRunner) run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("git: no command")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	full := append([]string{"-c", "credential.helper="}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = g.dir
	cmd.Env = g.env

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", g.timeout, ctx.Err())
		}
		return output, &GitError{Command: args[0], Output: output, Err: err}
	}
	return output, nil
}

// in returns a runner for a subdirectory sharing the same environment.
func (g *gitRunner) in(dir string) *gitRunner {
	return &gitRunner{dir: dir, env: g.env, timeout: g.timeout}
}
