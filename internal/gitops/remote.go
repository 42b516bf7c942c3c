package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// ErrBranchNotFound is returned when the remote has no head for a branch.
var ErrBranchNotFound = errors.New("branch not found on remote")

// RemoteLister reads remote branch heads in-process with go-git. The remote
// is backed by memory storage, so the credential only ever lives in the
// request's auth header.
type RemoteLister struct{}

// NewRemoteLister creates a RemoteLister.
func NewRemoteLister() *RemoteLister {
	return &RemoteLister{}
}

// ListHeads returns branch name -> commit id for every refs/heads/* ref.
// An empty remote yields an empty map.
func (l *RemoteLister) ListHeads(ctx context.Context, remoteURL, credential string) (map[string]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{remoteURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: authFor(remoteURL, credential)})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to list remote heads: %w", err)
	}

	heads := make(map[string]string, len(refs))
	for _, ref := range refs {
		if !ref.Name().IsBranch() || ref.Type() == plumbing.SymbolicReference {
			continue
		}
		heads[ref.Name().Short()] = ref.Hash().String()
	}
	return heads, nil
}

// BranchTip returns the commit id the remote currently holds for branch.
func (l *RemoteLister) BranchTip(ctx context.Context, remoteURL, credential, branch string) (string, error) {
	heads, err := l.ListHeads(ctx, remoteURL, credential)
	if err != nil {
		return "", err
	}
	tip, ok := heads[branch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return tip, nil
}

func authFor(remoteURL, credential string) transport.AuthMethod {
	if credential == "" {
		return nil
	}
	if strings.HasPrefix(remoteURL, "http://") || strings.HasPrefix(remoteURL, "https://") {
		return &githttp.BasicAuth{Username: "seeder", Password: credential}
	}
	return nil
}
