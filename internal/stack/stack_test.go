package stack

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arittr/chopstack/internal/plan"
	"github.com/arittr/chopstack/internal/scheduler"
	"github.com/arittr/chopstack/internal/vcs"
	"github.com/arittr/chopstack/internal/workspace"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (%s)", args, err, out)
		}
	}

	run("init")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

// completeTask acquires a workspace for task, writes content to a file
// named after the task id, commits it, and returns a completed
// ExecutionTask carrying the commit id.
func completeTask(t *testing.T, ctx context.Context, mgr *workspace.Manager, task plan.Task, baseRef string) *scheduler.ExecutionTask {
	t.Helper()

	wc, err := mgr.Acquire(ctx, task, baseRef)
	if err != nil {
		t.Fatalf("acquire %s: %v", task.ID, err)
	}

	fileName := task.ID + ".txt"
	if err := os.WriteFile(filepath.Join(wc.Path, fileName), []byte(task.ID), 0644); err != nil {
		t.Fatalf("write %s: %v", fileName, err)
	}

	repo := vcs.NewRepo(wc.Path)
	if err := repo.Stage(ctx, []string{fileName}); err != nil {
		t.Fatalf("stage %s: %v", task.ID, err)
	}
	commitID, err := repo.Commit(ctx, task.ID)
	if err != nil {
		t.Fatalf("commit %s: %v", task.ID, err)
	}

	et := scheduler.NewExecutionTask(task, 0)
	et.CommitID = commitID
	et.WorkspaceDir = wc.Path
	return et
}

func TestAssemble_ThreeIndependentTasks(t *testing.T) {
	repoDir := setupTestRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(workspace.Config{RepoDir: repoDir})

	tasks := []plan.Task{
		{ID: "a", Writes: []string{"a.txt"}},
		{ID: "b", Writes: []string{"b.txt"}},
		{ID: "c", Writes: []string{"c.txt"}},
	}

	var completed []*scheduler.ExecutionTask
	for _, task := range tasks {
		completed = append(completed, completeTask(t, ctx, mgr, task, "main"))
	}

	asm := New(Config{}, repoDir)
	result, err := asm.Assemble(ctx, completed, "main")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if len(result.Branches) != 3 {
		t.Fatalf("expected 3 branches, got %d", len(result.Branches))
	}
	for _, b := range result.Branches {
		if b.ParentBranch != "main" {
			t.Errorf("task %s: parent = %q, want main", b.TaskID, b.ParentBranch)
		}
		// Each task's workspace branch (chopstack/<id>) is still live at
		// this point, exactly as it is after a real scheduler run keeps it
		// on success, so the assembler must have applied the collision
		// discriminator rather than reusing or failing on that name.
		wantPrefix := "chopstack/" + b.TaskID
		if b.BranchName == wantPrefix || !strings.HasPrefix(b.BranchName, wantPrefix+"-") {
			t.Errorf("task %s: branch = %q, want a discriminated suffix of %q", b.TaskID, b.BranchName, wantPrefix)
		}
	}
}

func TestAssemble_LinearChain(t *testing.T) {
	repoDir := setupTestRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(workspace.Config{RepoDir: repoDir})

	tasks := []plan.Task{
		{ID: "a", Writes: []string{"a.txt"}},
		{ID: "b", Writes: []string{"b.txt"}, Requires: []string{"a"}},
		{ID: "c", Writes: []string{"c.txt"}, Requires: []string{"b"}},
	}

	var completed []*scheduler.ExecutionTask
	for _, task := range tasks {
		completed = append(completed, completeTask(t, ctx, mgr, task, "main"))
	}

	asm := New(Config{}, repoDir)
	result, err := asm.Assemble(ctx, completed, "main")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	byID := make(map[string]Branch, len(result.Branches))
	for _, b := range result.Branches {
		byID[b.TaskID] = b
	}

	if byID["a"].ParentBranch != "main" {
		t.Errorf("a parent = %q, want main", byID["a"].ParentBranch)
	}
	if byID["b"].ParentBranch != byID["a"].BranchName {
		t.Errorf("b parent = %q, want %q", byID["b"].ParentBranch, byID["a"].BranchName)
	}
	if byID["c"].ParentBranch != byID["b"].BranchName {
		t.Errorf("c parent = %q, want %q", byID["c"].ParentBranch, byID["b"].BranchName)
	}
}

func TestAssemble_Diamond(t *testing.T) {
	repoDir := setupTestRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(workspace.Config{RepoDir: repoDir})

	tasks := []plan.Task{
		{ID: "a", Writes: []string{"a.txt"}},
		{ID: "b", Writes: []string{"b.txt"}, Requires: []string{"a"}},
		{ID: "c", Writes: []string{"c.txt"}, Requires: []string{"a"}},
		{ID: "d", Writes: []string{"d.txt"}, Requires: []string{"b", "c"}},
	}

	var completed []*scheduler.ExecutionTask
	for _, task := range tasks {
		completed = append(completed, completeTask(t, ctx, mgr, task, "main"))
	}

	asm := New(Config{}, repoDir)
	result, err := asm.Assemble(ctx, completed, "main")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	byID := make(map[string]Branch, len(result.Branches))
	for _, b := range result.Branches {
		byID[b.TaskID] = b
	}

	// d's parent is whichever of b/c was assembled last: dependency-order
	// visits Requires in written order, so c (visited after b) wins.
	if byID["d"].ParentBranch != byID["c"].BranchName {
		t.Errorf("d parent = %q, want %q (last of b,c)", byID["d"].ParentBranch, byID["c"].BranchName)
	}
}

func TestAssemble_Conflict(t *testing.T) {
	repoDir := setupTestRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(workspace.Config{RepoDir: repoDir})

	// Two tasks that both edit the same pre-existing file in conflicting
	// ways, b depending on a: b's commit is replayed onto a's branch, where
	// shared.txt no longer holds the content b's change was made against.
	if err := os.WriteFile(filepath.Join(repoDir, "shared.txt"), []byte("base\n"), 0644); err != nil {
		t.Fatal(err)
	}
	repo := vcs.NewRepo(repoDir)
	if err := repo.Stage(ctx, []string{"shared.txt"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Commit(ctx, "add shared.txt"); err != nil {
		t.Fatal(err)
	}

	writeConflicting := func(taskID, content string, requires ...string) *scheduler.ExecutionTask {
		task := plan.Task{ID: taskID, Writes: []string{"shared.txt"}, Requires: requires}
		wc, err := mgr.Acquire(ctx, task, "main")
		if err != nil {
			t.Fatalf("acquire %s: %v", taskID, err)
		}
		if err := os.WriteFile(filepath.Join(wc.Path, "shared.txt"), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		r := vcs.NewRepo(wc.Path)
		if err := r.Stage(ctx, []string{"shared.txt"}); err != nil {
			t.Fatal(err)
		}
		commitID, err := r.Commit(ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		et := scheduler.NewExecutionTask(task, 0)
		et.CommitID = commitID
		et.WorkspaceDir = wc.Path
		return et
	}

	a := writeConflicting("a", "from a\n")
	b := writeConflicting("b", "from b\n", "a")

	asm := New(Config{}, repoDir)
	_, err := asm.Assemble(ctx, []*scheduler.ExecutionTask{a, b}, "main")
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	var ce *ConflictError
	if !asConflictError(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	if ce.TaskID != "b" {
		t.Errorf("conflict task = %q, want b", ce.TaskID)
	}
}

func asConflictError(err error, target **ConflictError) bool {
	if ce, ok := err.(*ConflictError); ok {
		*target = ce
		return true
	}
	return false
}

func TestOrder_ComplexityFirstRejectsEdges(t *testing.T) {
	tasks := []*scheduler.ExecutionTask{
		scheduler.NewExecutionTask(plan.Task{ID: "a"}, 0),
		scheduler.NewExecutionTask(plan.Task{ID: "b", Requires: []string{"a"}}, 0),
	}

	asm := &Assembler{cfg: Config{Strategy: StrategyComplexityFirst}}
	if _, err := asm.order(tasks); err == nil {
		t.Fatal("expected error for plan with edges under complexity-first")
	}
}

func TestOrder_ComplexityFirst(t *testing.T) {
	tasks := []*scheduler.ExecutionTask{
		scheduler.NewExecutionTask(plan.Task{ID: "big", EstimatedLines: 100}, 0),
		scheduler.NewExecutionTask(plan.Task{ID: "small", EstimatedLines: 10}, 0),
	}

	asm := &Assembler{cfg: Config{Strategy: StrategyComplexityFirst}}
	ordered, err := asm.order(tasks)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if ordered[0].Task.ID != "small" || ordered[1].Task.ID != "big" {
		t.Fatalf("expected [small, big], got [%s, %s]", ordered[0].Task.ID, ordered[1].Task.ID)
	}
}
