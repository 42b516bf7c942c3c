package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Git runs git in dir and fails the test on error. It returns trimmed stdout.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Seeder Test",
		"GIT_AUTHOR_EMAIL=seeder@test.invalid",
		"GIT_COMMITTER_NAME=Seeder Test",
		"GIT_COMMITTER_EMAIL=seeder@test.invalid",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// BareRemote is a local bare repository standing in for the hosted remote.
type BareRemote struct {
	Path string
	URL  string
}

// NewBareRemote creates a bare repository whose main branch holds one commit
// with README.md.
func NewBareRemote(t *testing.T) *BareRemote {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	Git(t, root, "init", "--bare", "--initial-branch=main", bare)

	seed := filepath.Join(root, "seed")
	Git(t, root, "clone", bare, seed)
	Git(t, seed, "checkout", "-B", "main")
	WriteFile(t, seed, "README.md", "seed\n")
	Git(t, seed, "add", "-A")
	Git(t, seed, "commit", "-m", "initial")
	Git(t, seed, "push", "origin", "main")

	return &BareRemote{Path: bare, URL: "file://" + filepath.ToSlash(bare)}
}

// PushBranch commits files onto a new branch cut from base and pushes it.
func (r *BareRemote) PushBranch(t *testing.T, base, branch string, files map[string]string) string {
	t.Helper()
	work := t.TempDir()
	Git(t, work, "clone", r.Path, ".")
	Git(t, work, "checkout", "-B", branch, "origin/"+base)
	for name, content := range files {
		WriteFile(t, work, name, content)
	}
	Git(t, work, "add", "-A")
	Git(t, work, "commit", "-m", "update "+branch)
	Git(t, work, "push", "--force", "origin", "HEAD:refs/heads/"+branch)
	return Git(t, work, "rev-parse", "HEAD")
}

// Tip returns the commit id of branch on the bare remote.
func (r *BareRemote) Tip(t *testing.T, branch string) string {
	t.Helper()
	return Git(t, r.Path, "rev-parse", "refs/heads/"+branch)
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
