package gitops

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/oddessentials/ado-git-repo-seeder/internal/testutil"
)

func openTestWorkspace(t *testing.T, remote *testutil.BareRemote) *Workspace {
	t.Helper()
	ws, err := OpenWorkspace(context.Background(), remote.URL, "", "main", WorkspaceOptions{Depth: 10})
	if err != nil {
		t.Fatalf("OpenWorkspace: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestWorkspaceCreatePushAndFollowUp(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	ws := openTestWorkspace(t, remote)
	ctx := context.Background()

	branch := "feature/run-1-0"
	first, err := ws.CreateBranch(ctx, branch, map[string]string{
		"seed/run-1/0.txt": "hello\n",
	}, "Seed change 0")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := ws.Push(ctx, branch); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := remote.Tip(t, branch); got != first {
		t.Errorf("remote tip = %s, want %s", got, first)
	}

	second, err := ws.AppendCommit(ctx, branch, map[string]string{
		"seed/run-1/0.txt": "hello again\n",
	}, "Follow-up 1")
	if err != nil {
		t.Fatalf("AppendCommit: %v", err)
	}
	if second == first {
		t.Error("follow-up did not create a new commit")
	}
	if err := ws.Push(ctx, branch); err != nil {
		t.Fatalf("Push follow-up: %v", err)
	}
	if got := remote.Tip(t, branch); got != second {
		t.Errorf("remote tip after follow-up = %s, want %s", got, second)
	}
}

func TestWorkspaceRejectsEscapingPaths(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	ws := openTestWorkspace(t, remote)

	_, err := ws.CreateBranch(context.Background(), "topic", map[string]string{"../escape.txt": "x"}, "bad")
	if err == nil {
		t.Fatal("expected error for path outside the workspace")
	}
}

func TestWorkspaceCloseIsIdempotent(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	ws := openTestWorkspace(t, remote)
	dir := ws.Dir()

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace dir still exists: %v", err)
	}

	_, err := ws.CreateBranch(context.Background(), "late", nil, "late")
	if !errors.Is(err, ErrWorkspaceClosed) {
		t.Errorf("CreateBranch after Close = %v, want ErrWorkspaceClosed", err)
	}
	if err := ws.Push(context.Background(), "late"); !errors.Is(err, ErrWorkspaceClosed) {
		t.Errorf("Push after Close = %v, want ErrWorkspaceClosed", err)
	}
}

func TestOpenWorkspaceMissingBaseBranch(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	_, err := OpenWorkspace(context.Background(), remote.URL, "", "nope", WorkspaceOptions{})
	if err == nil {
		t.Fatal("expected clone of a missing branch to fail")
	}
}
