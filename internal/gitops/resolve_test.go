package gitops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oddessentials/ado-git-repo-seeder/internal/testutil"
)

type fixedTips struct {
	tip   string
	err   error
	calls int
}

func (f *fixedTips) BranchTip(_ context.Context, _, _, _ string) (string, error) {
	f.calls++
	return f.tip, f.err
}

func testResolverConfig() ResolverConfig {
	cfg := DefaultResolverConfig()
	cfg.CommandTimeout = time.Minute
	cfg.VerifyAttempts = 2
	cfg.VerifyInterval = time.Millisecond
	return cfg
}

// conflictingRemote returns a remote where source and main both changed README.md.
func conflictingRemote(t *testing.T, source string) *testutil.BareRemote {
	t.Helper()
	remote := testutil.NewBareRemote(t)
	remote.PushBranch(t, "main", source, map[string]string{"README.md": "source side\n"})
	remote.PushBranch(t, "main", "main", map[string]string{"README.md": "target side\n"})
	return remote
}

func isolateTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	return dir
}

func TestResolveConflictsPushesVerifiedMerge(t *testing.T) {
	source := "feature/run-1-0"
	remote := conflictingRemote(t, source)
	before := remote.Tip(t, source)
	tmp := isolateTempDir(t)

	r := NewResolver(testResolverConfig(), nil)
	res := r.ResolveConflicts(context.Background(), remote.URL, testutil.FakeGitCredential, source, "main")

	if !res.Resolved {
		t.Fatalf("Resolved = false, err = %v", res.Err)
	}
	if res.Err != nil {
		t.Errorf("Err = %v, want nil", res.Err)
	}
	if res.NewCommitSHA == before {
		t.Error("NewCommitSHA equals the pre-resolution tip")
	}
	if got := remote.Tip(t, source); got != res.NewCommitSHA {
		t.Errorf("remote tip = %s, want %s", got, res.NewCommitSHA)
	}

	msg := testutil.Git(t, remote.Path, "log", "-1", "--format=%B", "refs/heads/"+source)
	if !strings.Contains(msg, ResolutionMarker) {
		t.Errorf("commit message %q lacks resolution marker", msg)
	}
	if !strings.Contains(msg, source) || !strings.Contains(msg, "main") {
		t.Errorf("commit message %q should name both branches", msg)
	}

	readme := testutil.Git(t, remote.Path, "show", "refs/heads/"+source+":README.md")
	if readme != "source side" {
		t.Errorf("README.md = %q, want source side kept", readme)
	}
	// Target history is now reachable from source.
	testutil.Git(t, remote.Path, "merge-base", "--is-ancestor", "refs/heads/main", "refs/heads/"+source)

	leftovers, _ := filepath.Glob(filepath.Join(tmp, "seeder-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary directories left behind: %v", leftovers)
	}
}

// deleteOnMain removes name from main on the remote.
func deleteOnMain(t *testing.T, remote *testutil.BareRemote, name string) {
	t.Helper()
	work := t.TempDir()
	testutil.Git(t, work, "clone", remote.Path, ".")
	testutil.Git(t, work, "checkout", "-B", "main", "origin/main")
	testutil.Git(t, work, "rm", "-q", name)
	testutil.Git(t, work, "commit", "-m", "remove "+name)
	testutil.Git(t, work, "push", "origin", "HEAD:refs/heads/main")
}

func TestResolveConflictsMergeFailureFallsBackToMarkerCommit(t *testing.T) {
	source := "feature/nested/run-1-0"
	remote := testutil.NewBareRemote(t)
	before := remote.PushBranch(t, "main", source, map[string]string{"README.md": "source edit\n"})
	// Modify/delete cannot be settled by -X ours, so the merge itself fails.
	deleteOnMain(t, remote, "README.md")
	tmp := isolateTempDir(t)

	r := NewResolver(testResolverConfig(), nil)
	at := time.Date(2026, 10, 16, 3, 38, 31, 0, time.UTC)
	r.now = func() time.Time { return at }

	res := r.ResolveConflicts(context.Background(), remote.URL, testutil.FakeGitCredential, source, "main")

	if !res.Resolved {
		t.Fatalf("Resolved = false, err = %v", res.Err)
	}
	if got := remote.Tip(t, source); got != res.NewCommitSHA {
		t.Errorf("remote tip = %s, want %s", got, res.NewCommitSHA)
	}

	msg := testutil.Git(t, remote.Path, "log", "-1", "--format=%B", "refs/heads/"+source)
	want := "Resolve " + source + " against main at 2026-10-16T03:38:31Z " + ResolutionMarker
	if msg != want {
		t.Errorf("commit message = %q, want %q", msg, want)
	}

	parents := testutil.Git(t, remote.Path, "log", "-1", "--format=%P", "refs/heads/"+source)
	if parents != before {
		t.Errorf("parents = %q, want the pre-resolution tip %s only", parents, before)
	}

	readme := testutil.Git(t, remote.Path, "show", "refs/heads/"+source+":README.md")
	if readme != "source edit" {
		t.Errorf("README.md = %q, want the source content untouched", readme)
	}

	leftovers, _ := filepath.Glob(filepath.Join(tmp, "seeder-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary directories left behind: %v", leftovers)
	}
}

func TestResolveConflictsUpToDateStillCreatesCommit(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	before := remote.PushBranch(t, "main", "topic", map[string]string{"a.txt": "a\n"})
	isolateTempDir(t)

	r := NewResolver(testResolverConfig(), nil)
	res := r.ResolveConflicts(context.Background(), remote.URL, "", "topic", "main")

	if !res.Resolved {
		t.Fatalf("Resolved = false, err = %v", res.Err)
	}
	if res.NewCommitSHA == before {
		t.Error("expected a new commit even though source already contains target")
	}
	msg := testutil.Git(t, remote.Path, "log", "-1", "--format=%B", "refs/heads/topic")
	if !strings.Contains(msg, ResolutionMarker) {
		t.Errorf("commit message %q lacks resolution marker", msg)
	}
}

func TestResolveConflictsTipMismatch(t *testing.T) {
	remote := conflictingRemote(t, "topic")
	tips := &fixedTips{tip: "0000000000000000000000000000000000000000"}

	r := NewResolver(testResolverConfig(), tips)
	res := r.ResolveConflicts(context.Background(), remote.URL, "", "topic", "main")

	if res.Resolved {
		t.Fatal("Resolved = true although the remote reports another tip")
	}
	if !errors.Is(res.Err, ErrPushNotVisible) {
		t.Errorf("Err = %v, want ErrPushNotVisible", res.Err)
	}
	if res.NewCommitSHA == "" {
		t.Error("NewCommitSHA should carry the local commit for diagnostics")
	}
	if tips.calls != 2 {
		t.Errorf("tip reads = %d, want 2", tips.calls)
	}
}

func TestResolveConflictsTipReadError(t *testing.T) {
	remote := conflictingRemote(t, "topic")
	tips := &fixedTips{err: errors.New("listing failed")}

	res := NewResolver(testResolverConfig(), tips).
		ResolveConflicts(context.Background(), remote.URL, "", "topic", "main")

	if res.Resolved {
		t.Fatal("Resolved = true although the tip could not be read")
	}
	if !errors.Is(res.Err, ErrPushNotVisible) {
		t.Errorf("Err = %v, want ErrPushNotVisible", res.Err)
	}
}

func TestResolveConflictsMissingBranch(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	tmp := isolateTempDir(t)

	res := NewResolver(testResolverConfig(), nil).
		ResolveConflicts(context.Background(), remote.URL, testutil.FakeGitCredential, "does-not-exist", "main")

	if res.Resolved {
		t.Fatal("Resolved = true for a missing source branch")
	}
	var gitErr *GitError
	if !errors.As(res.Err, &gitErr) {
		t.Fatalf("Err = %v, want *GitError", res.Err)
	}
	if strings.Contains(res.Err.Error(), testutil.FakeGitCredential) {
		t.Error("error text leaks the credential")
	}

	leftovers, _ := filepath.Glob(filepath.Join(tmp, "seeder-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary directories left behind on failure: %v", leftovers)
	}
}

func TestCredentialHelper(t *testing.T) {
	testutil.RequireGit(t)

	none, err := newCredentialHelper("")
	if err != nil || none != nil {
		t.Fatalf("empty credential: helper=%v err=%v", none, err)
	}
	if env := none.env(); env != nil {
		t.Errorf("nil helper env = %v", env)
	}

	h, err := newCredentialHelper(testutil.FakeGitCredential)
	if err != nil {
		t.Fatalf("newCredentialHelper: %v", err)
	}
	script, err := os.ReadFile(h.path)
	if err != nil {
		t.Fatalf("read helper: %v", err)
	}
	if strings.Contains(string(script), testutil.FakeGitCredential) {
		t.Error("helper script contains the credential")
	}

	env := h.env()
	if len(env) != 2 || !strings.HasPrefix(env[0], "GIT_ASKPASS=") {
		t.Errorf("env = %v", env)
	}

	dir := h.dir
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("helper dir still exists: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestGitErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 128")
	err := &GitError{Command: "push", Output: "rejected", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("GitError should unwrap to its cause")
	}
	if err.Error() != "git push: rejected" {
		t.Errorf("Error() = %q", err.Error())
	}
}
