// Package vcs is a narrow, typed wrapper over the git command line: staging,
// committing, branch create/checkout, worktree add/list/remove, cherry-pick,
// diff, and status. It is the sole place in the module that shells out to
// git.
//
// Worktree listing parses `git worktree list --porcelain`. Every git call
// runs in its own process group, and a cancelled context kills the git
// process. Transient failures (index.lock / ref-lock contention) are
// retried with a delay that doubles after each attempt. A failed
// cherry-pick is aborted and reported rather than left half-applied.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Retry tuning for transient git failures (index/ref lock contention),
// grounded on re-cinq-detergent's internal/git.go retry constants.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"unable to create",
}

func isTransient(msg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// sleepFunc is replaced in tests to avoid real delays.
var sleepFunc = time.Sleep

// Repo wraps git operations rooted at Dir.
type Repo struct {
	Dir string
}

// NewRepo creates a Repo rooted at dir.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir}
}

// run executes `git args...` in the repo directory, isolated in its own
// process group; ctx cancellation kills the git process. Known-transient
// failures are retried, the delay doubling after each attempt.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	delay := retryInitialDelay
	var lastErr error

	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = r.Dir
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}

		outMsg := strings.TrimSpace(string(out))
		lastErr = fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), outMsg, err)
		if !isTransient(outMsg) || attempt == retryMaxAttempts-1 {
			return outMsg, lastErr
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", lastErr
}

// Stage adds paths to the index. Returns an error if any path is outside
// the repository (git itself rejects this).
func (r *Repo) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	return nil
}

// HasStagedChanges reports whether anything is staged for commit.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return false, fmt.Errorf("has staged changes: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit commits the index with message. Returns ErrNothingToCommit if the
// index is clean.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	staged, err := r.HasStagedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", ErrNothingToCommit
	}

	if _, err := r.run(ctx, "commit", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return r.CurrentCommit(ctx)
}

// CurrentCommit returns the commit id at HEAD.
func (r *Repo) CurrentCommit(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current commit: %w", err)
	}
	return out, nil
}

// Status reports the working tree state.
func (r *Repo) Status(ctx context.Context) (Status, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}

	var s Status
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		indexState, workState, path := line[0], line[1], strings.TrimSpace(line[2:])
		switch {
		case indexState == '?' && workState == '?':
			s.Untracked = append(s.Untracked, path)
		case workState == 'D' || indexState == 'D':
			s.Deleted = append(s.Deleted, path)
		case indexState != ' ' && indexState != '?':
			s.Staged = append(s.Staged, path)
		case workState != ' ':
			s.Modified = append(s.Modified, path)
		}
	}
	return s, nil
}

// Checkout switches the current workspace to ref. Fails with ErrRefNotFound
// or ErrDirtyWorkspace.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "did not match any"), strings.Contains(msg, "unknown revision"):
		return fmt.Errorf("checkout %s: %w", ref, ErrRefNotFound)
	case strings.Contains(msg, "Your local changes"), strings.Contains(msg, "overwritten by checkout"):
		return fmt.Errorf("checkout %s: %w", ref, ErrDirtyWorkspace)
	default:
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
}

// CreateBranch creates name, optionally from a specific starting ref.
func (r *Repo) CreateBranch(ctx context.Context, name string, from string) error {
	args := []string{"branch", name}
	if from != "" {
		args = append(args, from)
	}
	if _, err := r.run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("create branch %s: %w", name, ErrBranchExists)
		}
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// CherryPick replays commit id onto the current branch. On conflict the
// cherry-pick is aborted and a *ConflictError naming the conflicting paths
// is returned, grounded on re-cinq-detergent's Rebase abort-and-reset idiom
// (here: abort-and-report, since cherry-pick failures must not silently
// discard the task's work).
func (r *Repo) CherryPick(ctx context.Context, id string) error {
	if _, err := r.run(ctx, "cherry-pick", "--no-commit", id); err != nil {
		paths := r.conflictedPaths(ctx)
		_, _ = r.run(ctx, "cherry-pick", "--abort")
		if len(paths) > 0 {
			return &ConflictError{Paths: paths}
		}
		return fmt.Errorf("cherry-pick %s: %w", id, err)
	}

	msg, err := r.CommitMessage(ctx, id)
	if err != nil {
		msg = fmt.Sprintf("cherry-pick %s", id)
	}
	if _, err := r.run(ctx, "commit", "--no-verify", "-m", msg); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			// Cherry-pick of an empty diff: leave HEAD untouched, it is
			// already equivalent to id's parent.
			_, _ = r.run(ctx, "cherry-pick", "--abort")
			return ErrNothingToCommit
		}
		return fmt.Errorf("cherry-pick commit: %w", err)
	}
	return nil
}

// CommitMessage returns the full commit message for hash.
func (r *Repo) CommitMessage(ctx context.Context, hash string) (string, error) {
	return r.run(ctx, "log", "-1", "--format=%B", hash)
}

func (r *Repo) conflictedPaths(ctx context.Context) []string {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil || strings.TrimSpace(out) == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// DiffStat returns per-file add/delete counts of the working tree relative
// to ref (relative to the index if ref is empty).
func (r *Repo) DiffStat(ctx context.Context, ref string) ([]DiffStat, error) {
	args := []string{"diff", "--numstat"}
	if ref != "" {
		args = append(args, ref)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("diff stat: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}

	var stats []DiffStat
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		var add, del int
		fmt.Sscanf(fields[0], "%d", &add)
		fmt.Sscanf(fields[1], "%d", &del)
		stats = append(stats, DiffStat{Path: fields[2], Additions: add, Deletions: del})
	}
	return stats, nil
}

// DiffNames returns the list of file paths in the working tree that differ
// from ref (from the index if ref is empty).
func (r *Repo) DiffNames(ctx context.Context, ref string) ([]string, error) {
	args := []string{"diff", "--name-only"}
	if ref != "" {
		args = append(args, ref)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("diff names: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CatFileExists reports whether id is a known object in this repository,
// used by the stack assembler's preflight check.
func (r *Repo) CatFileExists(ctx context.Context, id string) bool {
	_, err := r.run(ctx, "cat-file", "-e", id)
	return err == nil
}

// FetchInto fetches ref from the repository at srcDir into a local ref
// under refs/chopstack/<name>, used when a task's commit lives only in its
// (now-released) workspace checkout.
func (r *Repo) FetchInto(ctx context.Context, srcDir, ref, name string) error {
	dst := fmt.Sprintf("refs/chopstack/%s", name)
	_, err := r.run(ctx, "fetch", srcDir, fmt.Sprintf("%s:%s", ref, dst))
	if err != nil {
		return fmt.Errorf("fetch %s from %s: %w", ref, srcDir, err)
	}
	return nil
}
