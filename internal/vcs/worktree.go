package vcs

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// CreateWorktree creates a linked worktree at path checked out to ref. If
// branch is non-empty a new branch by that name is created at ref and
// checked out in the worktree; otherwise ref is checked out directly
// (detached).
func (r *Repo) CreateWorktree(ctx context.Context, path, ref, branch string) error {
	args := []string{"worktree", "add"}
	if branch != "" {
		args = append(args, "-b", branch, path, ref)
	} else {
		args = append(args, path, ref)
	}

	if _, err := r.run(ctx, args...); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "already exists") && branch != "":
			return fmt.Errorf("create worktree %s: %w", path, ErrBranchExists)
		case strings.Contains(msg, "already exists"):
			return fmt.Errorf("create worktree %s: %w", path, ErrPathExists)
		default:
			return fmt.Errorf("create worktree %s: %w", path, err)
		}
	}
	return nil
}

// RemoveWorktree releases the worktree at path. If force is true, removal
// proceeds even with uncommitted changes.
func (r *Repo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	if _, err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// DeleteBranch removes a local branch. If force is true, uses -D instead
// of -d.
func (r *Repo) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := r.run(ctx, "branch", flag, name); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (r *Repo) ListWorktrees(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var entries []WorktreeEntry
	var cur WorktreeEntry

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Path != "" {
				entries = append(entries, cur)
				cur = WorktreeEntry{}
			}
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		entries = append(entries, cur)
	}
	return entries, nil
}

// PruneWorktrees cleans up stale worktree metadata left behind by crashed
// or forcibly-removed workspaces.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	if _, err := r.run(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}
