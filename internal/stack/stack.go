// Package stack replays completed tasks' per-workspace commits onto the
// host repository as an ordered, dependency-respecting chain of branches.
//
// A single mutex serializes assembly against the host repository, the same
// way a worktree merge step would serialize against a shared working tree;
// a `cat-file -e` reachability preflight stands in for a merge-tree dry-run
// (merge-tree has no cherry-pick equivalent), and Repo.CherryPick aborts and
// reports on conflict rather than leaving the repository mid-operation.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/arittr/chopstack/internal/plan"
	"github.com/arittr/chopstack/internal/scheduler"
	"github.com/arittr/chopstack/internal/vcs"
)

// Strategy selects the order in which completed tasks are replayed.
type Strategy string

const (
	// StrategyDependencyOrder is the default: a dependency-first
	// depth-first traversal. It is the only strategy guaranteed to
	// produce a valid stack when tasks have true dependencies.
	StrategyDependencyOrder Strategy = "dependency-order"
	// StrategyComplexityFirst orders ascending by estimated size, ties
	// broken by id. Only valid for plans with no edges.
	StrategyComplexityFirst Strategy = "complexity-first"
	// StrategyFileImpact orders ascending by len(writes)+len(reads). Only
	// valid for plans with no edges.
	StrategyFileImpact Strategy = "file-impact"
)

// Branch is one entry in the assembled stack.
type Branch struct {
	TaskID       string
	BranchName   string
	ParentBranch string
	CommitID     string
}

// ConflictError reports a cherry-pick that could not be applied cleanly
// during assembly. Per-task results up to this point remain intact.
type ConflictError struct {
	TaskID string
	Branch string
	Parent string
	Paths  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stack: conflict assembling %s onto %s (from %s): %v", e.Branch, e.Parent, e.TaskID, e.Paths)
}

// Config controls assembly policy.
type Config struct {
	BranchPrefix string // default "chopstack/", matches workspace.Config.BranchPrefix
	Strategy     Strategy
	// SubmitCommand, if set, is invoked from the host repository after a
	// successful assembly; its combined output is scanned for review URLs.
	SubmitCommand string
	SubmitArgs    []string
}

func (c Config) branchPrefix() string {
	if c.BranchPrefix == "" {
		return "chopstack/"
	}
	return c.BranchPrefix
}

func (c Config) strategy() Strategy {
	if c.Strategy == "" {
		return StrategyDependencyOrder
	}
	return c.Strategy
}

// Result is the outcome of one assembly run.
type Result struct {
	Branches  []Branch
	ParentRef string
	// ReviewURLs is populated only when Config.SubmitCommand succeeds.
	ReviewURLs []string
}

// Assembler replays completed tasks' commits onto the host repository,
// serialized against its shared index/HEAD: no assembly may run
// concurrently with another, and none may run while workers are active.
type Assembler struct {
	cfg  Config
	repo *vcs.Repo

	mu sync.Mutex
}

// New creates an Assembler operating on the host repository at repoDir.
func New(cfg Config, repoDir string) *Assembler {
	return &Assembler{cfg: cfg, repo: vcs.NewRepo(repoDir)}
}

// Assemble orders tasks per cfg.Strategy, replays each one's commit onto a
// fresh branch parented on its most-recently-assembled dependency (or
// parentRef if it has none), and returns the resulting stack.
//
// Preflight: every task's commit must be reachable as a git object in the
// host repository; if not, it is fetched from the task's (still-present)
// workspace git directory into a refs/chopstack/<taskID> namespace so the
// cherry-pick below can find it even after the workspace itself is
// released.
func (a *Assembler) Assemble(ctx context.Context, tasks []*scheduler.ExecutionTask, parentRef string) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ordered, err := a.order(tasks)
	if err != nil {
		return Result{}, err
	}

	if err := a.preflight(ctx, ordered); err != nil {
		return Result{}, err
	}

	result := Result{ParentRef: parentRef}

	for _, et := range ordered {
		parent := parentRef
		if len(et.Task.Requires) > 0 {
			parent = a.mostRecentDependencyBranch(et, result.Branches)
		}

		if err := a.repo.Checkout(ctx, parent); err != nil {
			return result, fmt.Errorf("stack: checkout %s: %w", parent, err)
		}

		branchName := a.cfg.branchPrefix() + et.Task.ID
		if err := a.repo.CreateBranch(ctx, branchName, parent); err != nil {
			if !errors.Is(err, vcs.ErrBranchExists) {
				return result, fmt.Errorf("stack: create branch %s: %w", branchName, err)
			}
			// The task's own workspace branch carries this same name (the
			// scheduler keeps it on success); apply the same
			// collision-discriminator policy the workspace manager uses.
			discriminated := fmt.Sprintf("%s-%s", branchName, uuid.NewString()[:8])
			log.Printf("WARNING: branch %q already exists, using %q instead", branchName, discriminated)
			branchName = discriminated
			if err := a.repo.CreateBranch(ctx, branchName, parent); err != nil {
				return result, fmt.Errorf("stack: create branch %s: %w", branchName, err)
			}
		}
		if err := a.repo.Checkout(ctx, branchName); err != nil {
			return result, fmt.Errorf("stack: checkout %s: %w", branchName, err)
		}

		if err := a.repo.CherryPick(ctx, et.CommitID); err != nil {
			if ce, ok := vcs.IsConflict(err); ok {
				return result, &ConflictError{TaskID: et.Task.ID, Branch: branchName, Parent: parent, Paths: ce.Paths}
			}
			return result, fmt.Errorf("stack: cherry-pick %s onto %s: %w", et.CommitID, branchName, err)
		}

		commitID, err := a.repo.CurrentCommit(ctx)
		if err != nil {
			return result, fmt.Errorf("stack: read HEAD of %s: %w", branchName, err)
		}

		b := Branch{TaskID: et.Task.ID, BranchName: branchName, ParentBranch: parent, CommitID: commitID}
		result.Branches = append(result.Branches, b)
	}

	if a.cfg.SubmitCommand != "" {
		urls, _ := a.submit(ctx)
		result.ReviewURLs = urls
	}

	return result, nil
}

// mostRecentDependencyBranch returns the branch of whichever of et's
// dependencies was assembled last, scanning the already-assembled branches
// from newest to oldest.
func (a *Assembler) mostRecentDependencyBranch(et *scheduler.ExecutionTask, assembled []Branch) string {
	for i := len(assembled) - 1; i >= 0; i-- {
		for _, dep := range et.Task.Requires {
			if assembled[i].TaskID == dep {
				return assembled[i].BranchName
			}
		}
	}
	return ""
}

// preflight ensures every task's commit is a known object in the host
// repository, fetching from the task's workspace checkout if not.
func (a *Assembler) preflight(ctx context.Context, tasks []*scheduler.ExecutionTask) error {
	for _, et := range tasks {
		if et.CommitID == "" {
			return fmt.Errorf("stack: task %s has no recorded commit", et.Task.ID)
		}
		if a.repo.CatFileExists(ctx, et.CommitID) {
			continue
		}
		if et.WorkspaceDir == "" {
			return fmt.Errorf("stack: commit %s for task %s not reachable and workspace already released", et.CommitID, et.Task.ID)
		}
		if err := a.repo.FetchInto(ctx, et.WorkspaceDir, et.CommitID, et.Task.ID); err != nil {
			return fmt.Errorf("stack: fetch commit for %s: %w", et.Task.ID, err)
		}
	}
	return nil
}

// order sorts tasks per the configured strategy. Non-dependency-order
// strategies reject any plan with edges, since only dependency-order
// guarantees a legal parent chain.
func (a *Assembler) order(tasks []*scheduler.ExecutionTask) ([]*scheduler.ExecutionTask, error) {
	switch a.cfg.strategy() {
	case StrategyDependencyOrder:
		return dependencyOrder(tasks)
	case StrategyComplexityFirst:
		if err := requireNoEdges(tasks); err != nil {
			return nil, err
		}
		ordered := append([]*scheduler.ExecutionTask(nil), tasks...)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Task.EstimatedLines != ordered[j].Task.EstimatedLines {
				return ordered[i].Task.EstimatedLines < ordered[j].Task.EstimatedLines
			}
			return ordered[i].Task.ID < ordered[j].Task.ID
		})
		return ordered, nil
	case StrategyFileImpact:
		if err := requireNoEdges(tasks); err != nil {
			return nil, err
		}
		ordered := append([]*scheduler.ExecutionTask(nil), tasks...)
		impact := func(t plan.Task) int { return len(t.Writes) + len(t.Reads) }
		sort.SliceStable(ordered, func(i, j int) bool {
			if impact(ordered[i].Task) != impact(ordered[j].Task) {
				return impact(ordered[i].Task) < impact(ordered[j].Task)
			}
			return ordered[i].Task.ID < ordered[j].Task.ID
		})
		return ordered, nil
	default:
		return nil, fmt.Errorf("stack: unknown ordering strategy %q", a.cfg.Strategy)
	}
}

func requireNoEdges(tasks []*scheduler.ExecutionTask) error {
	for _, et := range tasks {
		if len(et.Task.Requires) > 0 {
			return fmt.Errorf("stack: strategy requires a plan with no dependencies; task %s has %d", et.Task.ID, len(et.Task.Requires))
		}
	}
	return nil
}

// dependencyOrder performs a depth-first traversal adding dependencies
// before dependents, preserving each task's original position among
// independent siblings (i.e. ties are broken by input order, not id).
func dependencyOrder(tasks []*scheduler.ExecutionTask) ([]*scheduler.ExecutionTask, error) {
	byID := make(map[string]*scheduler.ExecutionTask, len(tasks))
	for _, et := range tasks {
		byID[et.Task.ID] = et
	}

	var ordered []*scheduler.ExecutionTask
	visited := make(map[string]bool, len(tasks))
	visiting := make(map[string]bool, len(tasks))

	var visit func(et *scheduler.ExecutionTask) error
	visit = func(et *scheduler.ExecutionTask) error {
		if visited[et.Task.ID] {
			return nil
		}
		if visiting[et.Task.ID] {
			return fmt.Errorf("stack: dependency cycle involving %s", et.Task.ID)
		}
		visiting[et.Task.ID] = true

		for _, dep := range et.Task.Requires {
			d, ok := byID[dep]
			if !ok {
				continue // dependency outside this completed set (already assembled/irrelevant)
			}
			if err := visit(d); err != nil {
				return err
			}
		}

		visiting[et.Task.ID] = false
		visited[et.Task.ID] = true
		ordered = append(ordered, et)
		return nil
	}

	for _, et := range tasks {
		if err := visit(et); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// reviewURLPattern matches http(s) URLs in the submission tool's output, a
// deliberately simple scan rather than parsing any particular tool's
// structured output format.
var reviewURLPattern = regexp.MustCompile(`https?://\S+`)

// submit invokes the configured external stack-submission command from the
// host repository and scrapes review URLs out of its combined output.
// Failure is reported to the caller but never unwinds the already-assembled
// stack. Process-group isolated in the same shape as internal/vcs and
// internal/agentrun, so a cancelled ctx still kills it promptly.
func (a *Assembler) submit(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, a.cfg.SubmitCommand, a.cfg.SubmitArgs...)
	cmd.Dir = a.repo.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("stack: submission command: %w", err)
	}
	return reviewURLPattern.FindAllString(string(out), -1), nil
}
