package git

import (
	"context"
	"path/filepath"
	"strings"
)

// resolvePath resolves symlinks and returns an absolute path, so paths
// reported by git compare equal to ours (macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	Bare     bool
	Detached bool
	Locked   bool
	Prunable bool
}

// WorktreeAdd checks out branch in a new worktree at path. When create is
// set the branch is created at base first.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch, base string, create bool) error {
	args := []string{"worktree", "add"}
	if create {
		args = append(args, "-b", branch, path, base)
	} else {
		args = append(args, path, branch)
	}
	_, err := c.run(ctx, args...)
	return err
}

// WorktreeRemove removes the worktree at path.
func (c *Client) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := c.run(ctx, args...)
	return err
}

// WorktreeList returns all worktrees of the repository.
func (c *Client) WorktreeList(ctx context.Context) ([]Worktree, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// FindWorktree returns the registered worktree at path, or nil.
func (c *Client) FindWorktree(ctx context.Context, path string) (*Worktree, error) {
	worktrees, err := c.WorktreeList(ctx)
	if err != nil {
		return nil, err
	}
	want := resolvePath(path)
	for i := range worktrees {
		if resolvePath(worktrees[i].Path) == want {
			return &worktrees[i], nil
		}
	}
	return nil, nil
}

// WorktreePrune removes administrative entries for worktrees whose
// directories are gone and returns what it pruned.
func (c *Client) WorktreePrune(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "worktree", "prune", "--verbose")
	if err != nil {
		return nil, err
	}

	pruned := make([]string, 0)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Removing ") {
			name := strings.TrimPrefix(line, "Removing ")
			if idx := strings.Index(name, ":"); idx >= 0 {
				name = name[:idx]
			}
			pruned = append(pruned, name)
		}
	}
	return pruned, nil
}

func parseWorktreeList(output string) []Worktree {
	worktrees := make([]Worktree, 0)
	var current *Worktree

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Detached = true
		case strings.HasPrefix(line, "locked"):
			current.Locked = true
		case strings.HasPrefix(line, "prunable"):
			current.Prunable = true
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}
