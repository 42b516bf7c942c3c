// Package collision detects reuse of a run id against a repository by
// looking for its branch names on the remote.
package collision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

// HeadLister lists remote branch heads (branch name -> commit id).
type HeadLister interface {
	ListHeads(ctx context.Context, remoteURL, credential string) (map[string]string, error)
}

// Error is the fatal signal for a repository whose branches already exist.
type Error struct {
	Repository string
	Branches   []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("branch collision in %s: %s already exist on the remote",
		e.Repository, strings.Join(e.Branches, ", "))
}

// IsFatal reports whether err carries a collision.
func IsFatal(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Guard checks candidate branch names against the remote.
type Guard struct {
	heads  HeadLister
	logger *slog.Logger
}

// NewGuard creates a guard.
func NewGuard(heads HeadLister) *Guard {
	return &Guard{heads: heads, logger: logging.WithComponent("collision")}
}

// CheckCollisions returns the candidates that already exist as remote heads,
// in candidate order without duplicates. An empty result means no collision.
func (g *Guard) CheckCollisions(ctx context.Context, remoteURL, credential string, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return []string{}, nil
	}

	heads, err := g.heads.ListHeads(ctx, remoteURL, credential)
	if err != nil {
		return nil, fmt.Errorf("list remote heads: %w", err)
	}

	matches := []string{}
	seen := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		name = strings.TrimPrefix(name, "refs/heads/")
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := heads[name]; ok {
			matches = append(matches, name)
		}
	}

	if len(matches) > 0 {
		g.logger.Warn("Branch collision detected",
			slog.Int("count", len(matches)),
			slog.String("first", matches[0]),
		)
	}
	return matches, nil
}

// Ensure returns a *Error when any candidate already exists.
func (g *Guard) Ensure(ctx context.Context, repository, remoteURL, credential string, candidates []string) error {
	matches, err := g.CheckCollisions(ctx, remoteURL, credential, candidates)
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return &Error{Repository: repository, Branches: matches}
	}
	return nil
}
