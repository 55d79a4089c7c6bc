package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"
)

// ErrNotARepository means the given path has no git repository.
var ErrNotARepository = errors.New("not a git repository")

// Change is one non-merge commit, newest first in listings.
type Change struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
	Paths   []string  `json:"paths"`
	Diff    string    `json:"diff"`
}

// Reader lists commit history for learning.
type Reader interface {
	// ListChanges returns up to limit non-merge commits from HEAD, newest
	// first. Diffs are included for commits with exactly one parent.
	ListChanges(ctx context.Context, repoPath string, limit int) ([]Change, error)
}

type reader struct {
	logger *zap.Logger
}

// NewReader creates a history reader.
func NewReader(logger *zap.Logger) Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &reader{logger: logger}
}

func (r *reader) ListChanges(ctx context.Context, repoPath string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 200
	}

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotARepository, repoPath)
		}
		return nil, fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}

	head, err := repo.Head()
	if err != nil {
		// Empty repository: nothing to learn from yet
		return nil, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var changes []Change
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(changes) >= limit {
			return storer.ErrStop
		}
		if c.NumParents() > 1 {
			return nil
		}

		change := Change{
			ID:      c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		}

		stats, err := c.Stats()
		if err != nil {
			r.logger.Debug("failed to compute commit stats",
				zap.String("commit", change.ID),
				zap.Error(err))
		} else {
			for _, st := range stats {
				change.Paths = append(change.Paths, st.Name)
			}
		}

		if c.NumParents() == 1 {
			parent, err := c.Parent(0)
			if err == nil {
				patch, err := parent.PatchContext(ctx, c)
				if err == nil {
					change.Diff = patch.String()
				}
			}
		}

		changes = append(changes, change)
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("failed to walk history: %w", err)
	}

	return changes, nil
}
