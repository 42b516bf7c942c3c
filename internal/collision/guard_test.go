package collision

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/oddessentials/ado-git-repo-seeder/internal/gitops"
	"github.com/oddessentials/ado-git-repo-seeder/internal/testutil"
)

type staticHeads struct {
	heads map[string]string
	err   error
}

func (s staticHeads) ListHeads(context.Context, string, string) (map[string]string, error) {
	return s.heads, s.err
}

func TestCheckCollisions(t *testing.T) {
	heads := staticHeads{heads: map[string]string{
		"main":            "a",
		"feature/run-1-0": "b",
		"feature/run-1-2": "c",
	}}

	tests := []struct {
		name       string
		candidates []string
		want       []string
	}{
		{"existing", []string{"feature/run-1-0"}, []string{"feature/run-1-0"}},
		{"missing", []string{"feature/run-2-0"}, []string{}},
		{"order kept", []string{"feature/run-1-2", "x", "feature/run-1-0"}, []string{"feature/run-1-2", "feature/run-1-0"}},
		{"duplicates", []string{"feature/run-1-0", "refs/heads/feature/run-1-0"}, []string{"feature/run-1-0"}},
		{"no candidates", nil, []string{}},
	}

	g := NewGuard(heads)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.CheckCollisions(context.Background(), "url", "", tt.candidates)
			if err != nil {
				t.Fatalf("CheckCollisions: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckCollisionsListError(t *testing.T) {
	g := NewGuard(staticHeads{err: errors.New("auth failed")})
	if _, err := g.CheckCollisions(context.Background(), "url", "", []string{"a"}); err == nil {
		t.Fatal("expected error when heads cannot be listed")
	}
}

func TestEnsureReturnsFatalError(t *testing.T) {
	g := NewGuard(staticHeads{heads: map[string]string{"feature/run-1-0": "b"}})

	err := g.Ensure(context.Background(), "Load/repo-1", "url", "", []string{"feature/run-1-0", "feature/run-1-1"})
	if !IsFatal(err) {
		t.Fatalf("Ensure = %v, want collision error", err)
	}
	var ce *Error
	errors.As(err, &ce)
	if ce.Repository != "Load/repo-1" || !reflect.DeepEqual(ce.Branches, []string{"feature/run-1-0"}) {
		t.Errorf("collision = %+v", ce)
	}

	if err := g.Ensure(context.Background(), "Load/repo-1", "url", "", []string{"feature/run-9-0"}); err != nil {
		t.Errorf("Ensure without collision = %v", err)
	}
}

func TestIsFatal(t *testing.T) {
	wrapped := fmt.Errorf("episode: %w", &Error{Repository: "r", Branches: []string{"b"}})
	if !IsFatal(wrapped) {
		t.Error("IsFatal should see through wrapping")
	}
	if IsFatal(errors.New("other")) || IsFatal(nil) {
		t.Error("IsFatal should be false for unrelated errors")
	}
}

func TestCheckCollisionsAgainstRemote(t *testing.T) {
	remote := testutil.NewBareRemote(t)
	remote.PushBranch(t, "main", "feature/run-1-0", map[string]string{"f.txt": "f\n"})
	g := NewGuard(gitops.NewRemoteLister())

	got, err := g.CheckCollisions(context.Background(), remote.URL, "", []string{"feature/run-1-0"})
	if err != nil {
		t.Fatalf("CheckCollisions: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"feature/run-1-0"}) {
		t.Errorf("got %v, want [feature/run-1-0]", got)
	}

	got, err = g.CheckCollisions(context.Background(), remote.URL, "", []string{"feature/run-2-0"})
	if err != nil {
		t.Fatalf("CheckCollisions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
}
