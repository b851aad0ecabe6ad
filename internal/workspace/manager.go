// Package workspace provisions, tracks, and releases the isolated per-task
// git worktrees the scheduler hands to agent runs.
//
// Worktree add/list/remove goes through internal/vcs; the registry is
// keyed by task id with force-retry on cleanup, generalized from a fixed
// "task/<id>" branch scheme to a configurable shadow-directory +
// branch-prefix + collision-discriminator scheme.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arittr/chopstack/internal/plan"
	"github.com/arittr/chopstack/internal/vcs"
)

// ErrWorkspaceCreateFailed is returned when worktree creation reports
// success but the expected directory does not exist afterward.
var ErrWorkspaceCreateFailed = errors.New("workspace: create failed")

// Config controls where and how workspaces are laid out.
type Config struct {
	// ShadowDir is the directory (relative to RepoDir) workspaces live
	// under. Default ".chopstack/shadows".
	ShadowDir string
	// BranchPrefix is prepended to a task id to form its branch name.
	// Default "chopstack/".
	BranchPrefix string
	// RepoDir is the host repository's working directory.
	RepoDir string
}

func (c Config) shadowDir() string {
	if c.ShadowDir == "" {
		return ".chopstack/shadows"
	}
	return c.ShadowDir
}

func (c Config) branchPrefix() string {
	if c.BranchPrefix == "" {
		return "chopstack/"
	}
	return c.BranchPrefix
}

// Context describes one acquired workspace.
type Context struct {
	TaskID    string
	Path      string
	Branch    string
	BaseRef   string
	CreatedAt time.Time
}

// VerifyResult is returned by Verify.
type VerifyResult struct {
	Exists     bool
	IsRepo     bool
	BranchName string
	HasChanges bool
}

// Manager provisions and tracks workspaces for a single run.
type Manager struct {
	cfg  Config
	repo *vcs.Repo

	mu       sync.Mutex
	registry map[string]Context
}

// NewManager creates a Manager rooted at cfg.RepoDir.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		repo:     vcs.NewRepo(cfg.RepoDir),
		registry: make(map[string]Context),
	}
}

// Acquire provisions (or returns the existing) workspace for task, checked
// out from baseRef. Acquiring an id already registered is idempotent.
func (m *Manager) Acquire(ctx context.Context, task plan.Task, baseRef string) (Context, error) {
	m.mu.Lock()
	if existing, ok := m.registry[task.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	path := filepath.Join(m.cfg.RepoDir, m.cfg.shadowDir(), task.ID)
	branch := m.cfg.branchPrefix() + task.ID

	err := m.repo.CreateWorktree(ctx, path, baseRef, branch)
	if errors.Is(err, vcs.ErrBranchExists) {
		// A millisecond timestamp alone can collide under concurrent
		// retries in the same layer; a uuid suffix can't.
		discriminated := fmt.Sprintf("%s-%s", branch, uuid.NewString()[:8])
		log.Printf("WARNING: branch %q already exists, using %q instead", branch, discriminated)
		branch = discriminated
		err = m.repo.CreateWorktree(ctx, path, baseRef, branch)
	}
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrWorkspaceCreateFailed, err)
	}

	if info, statErr := os.Stat(path); statErr != nil || !info.IsDir() {
		return Context{}, fmt.Errorf("%w: %s not present after create", ErrWorkspaceCreateFailed, path)
	}

	wc := Context{
		TaskID:    task.ID,
		Path:      path,
		Branch:    branch,
		BaseRef:   baseRef,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.registry[task.ID] = wc
	m.mu.Unlock()

	return wc, nil
}

// Release removes the workspace directory and, unless keepBranch is true,
// deletes its branch. A first failure triggers one retry with force;
// persistent failure is returned but the context is still unregistered.
func (m *Manager) Release(ctx context.Context, taskID string, keepBranch bool) error {
	m.mu.Lock()
	wc, ok := m.registry[taskID]
	if ok {
		delete(m.registry, taskID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := m.repo.RemoveWorktree(ctx, wc.Path, false); err != nil {
		if err := m.repo.RemoveWorktree(ctx, wc.Path, true); err != nil {
			return fmt.Errorf("release %s: %w", taskID, err)
		}
	}

	if !keepBranch {
		if err := m.repo.DeleteBranch(ctx, wc.Branch, true); err != nil {
			return fmt.Errorf("release %s: delete branch: %w", taskID, err)
		}
	}

	m.cleanupShadowDirIfEmpty()
	return nil
}

func (m *Manager) cleanupShadowDirIfEmpty() {
	dir := filepath.Join(m.cfg.RepoDir, m.cfg.shadowDir())
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// ReleaseResult summarizes a ReleaseAll call.
type ReleaseResult struct {
	Removed []string
	Failed  map[string]error
}

// ReleaseAll releases every tracked context concurrently.
func (m *Manager) ReleaseAll(ctx context.Context, keepBranch bool) ReleaseResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	result := ReleaseResult{Failed: make(map[string]error)}

	for _, id := range ids {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			err := m.Release(ctx, taskID, keepBranch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[taskID] = err
			} else {
				result.Removed = append(result.Removed, taskID)
			}
		}(id)
	}
	wg.Wait()

	return result
}

// Verify reports on-disk and git state for a tracked workspace, for
// debugging.
func (m *Manager) Verify(ctx context.Context, taskID string) VerifyResult {
	m.mu.Lock()
	wc, ok := m.registry[taskID]
	m.mu.Unlock()
	if !ok {
		return VerifyResult{}
	}

	info, err := os.Stat(wc.Path)
	if err != nil || !info.IsDir() {
		return VerifyResult{Exists: false}
	}

	wr := vcs.NewRepo(wc.Path)
	status, statusErr := wr.Status(ctx)

	return VerifyResult{
		Exists:     true,
		IsRepo:     statusErr == nil,
		BranchName: wc.Branch,
		HasChanges: statusErr == nil && !status.Clean(),
	}
}

// Get returns the tracked context for taskID, if any.
func (m *Manager) Get(taskID string) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.registry[taskID]
	return wc, ok
}
