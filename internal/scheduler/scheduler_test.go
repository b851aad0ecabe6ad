package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/arittr/chopstack/internal/agentrun"
	"github.com/arittr/chopstack/internal/dag"
	"github.com/arittr/chopstack/internal/events"
	"github.com/arittr/chopstack/internal/plan"
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
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return repoPath
}

func writerTask(id string, writes []string, requires []string) plan.Task {
	return plan.Task{
		ID:             id,
		Title:          "Task " + id,
		Description:    "writes " + id,
		Writes:         writes,
		Requires:       requires,
		EstimatedLines: 5,
		AgentPrompt:    "write the file",
	}
}

// writeAgent is a shell one-liner standing in for a real code-generation
// agent: it writes "<task-id>.txt" into the current workspace, inferring
// the task id from the workspace directory name (shadow dirs are named
// after their task).
const writeAgent = `echo content > "$(basename "$PWD").txt"`

func newTestScheduler(t *testing.T, repoPath string, cfg Config) (*Scheduler, *workspace.Manager, *events.EventBus) {
	t.Helper()
	ws := workspace.NewManager(workspace.Config{RepoDir: repoPath})
	bus := events.NewEventBus()
	cfg.AgentCommand = "bash"
	cfg.RetryBackoff = 10 * time.Millisecond
	s := New(cfg, ws, agentrun.NewProcessManager(), bus)
	return s, ws, bus
}

func TestScheduler_RunCompletesIndependentTasks(t *testing.T) {
	repoPath := setupTestRepo(t)
	s, _, _ := newTestScheduler(t, repoPath, Config{
		AgentArgs: []string{"-c", writeAgent},
	})

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
		writerTask("b", []string{"b.txt"}, nil),
	}}
	result := dag.Validate(p)
	if !result.Valid {
		t.Fatalf("expected valid plan, got errors: %v", result.Errors)
	}

	res, err := s.Run(context.Background(), p, result, "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Completed != 2 {
		t.Fatalf("expected 2 completed, got %+v", res)
	}
}

func TestScheduler_BlocksDependentsOnFailure(t *testing.T) {
	repoPath := setupTestRepo(t)
	s, _, _ := newTestScheduler(t, repoPath, Config{
		AgentArgs: []string{"-c", "exit 1"},
	})

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
		writerTask("b", []string{"b.txt"}, []string{"a"}),
	}}
	result := dag.Validate(p)
	if !result.Valid {
		t.Fatalf("expected valid plan, got errors: %v", result.Errors)
	}

	res, err := s.Run(context.Background(), p, result, "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || res.Blocked != 1 {
		t.Fatalf("expected 1 failed + 1 blocked, got %+v", res)
	}
}

func TestScheduler_SkipsDependentsWhenContinueOnError(t *testing.T) {
	repoPath := setupTestRepo(t)
	s, _, _ := newTestScheduler(t, repoPath, Config{
		AgentArgs:       []string{"-c", "exit 1"},
		ContinueOnError: true,
	})

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
		writerTask("b", []string{"b.txt"}, []string{"a"}),
	}}
	result := dag.Validate(p)
	if !result.Valid {
		t.Fatalf("expected valid plan, got errors: %v", result.Errors)
	}

	res, err := s.Run(context.Background(), p, result, "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || res.Skipped != 1 {
		t.Fatalf("expected 1 failed + 1 skipped, got %+v", res)
	}
}

func TestScheduler_DryRunSkipsCommit(t *testing.T) {
	repoPath := setupTestRepo(t)
	s, _, _ := newTestScheduler(t, repoPath, Config{
		AgentArgs: []string{"-c", writeAgent},
		DryRun:    true,
	})

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
	}}
	result := dag.Validate(p)
	if !result.Valid {
		t.Fatalf("expected valid plan, got errors: %v", result.Errors)
	}

	res, err := s.Run(context.Background(), p, result, "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Completed != 1 {
		t.Fatalf("expected dry-run task to report completed, got %+v", res)
	}
	for _, et := range res.Tasks {
		if et.CommitID != "" {
			t.Errorf("expected no commit in dry-run, got %q", et.CommitID)
		}
	}
}

func TestScheduler_RetriesOnFailureUpToMaxRetries(t *testing.T) {
	repoPath := setupTestRepo(t)
	s, _, _ := newTestScheduler(t, repoPath, Config{
		AgentArgs:  []string{"-c", "exit 1"},
		MaxRetries: 2,
	})

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
	}}
	result := dag.Validate(p)
	if !result.Valid {
		t.Fatalf("expected valid plan, got errors: %v", result.Errors)
	}

	res, err := s.Run(context.Background(), p, result, "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected eventual failure, got %+v", res)
	}
	if res.Tasks[0].RetryCount != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", res.Tasks[0].RetryCount)
	}
}

func TestScheduler_RetryThenSuccessHistoryIncludesQueued(t *testing.T) {
	repoPath := setupTestRepo(t)
	// Fails the first invocation (and leaves a marker), succeeds the second.
	const failOnceAgent = `if [ -f .attempted ]; then echo content > "$(basename "$PWD").txt"; else touch .attempted; exit 1; fi`
	s, _, _ := newTestScheduler(t, repoPath, Config{
		AgentArgs:  []string{"-c", failOnceAgent},
		MaxRetries: 2,
	})

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
	}}
	result := dag.Validate(p)
	if !result.Valid {
		t.Fatalf("expected valid plan, got errors: %v", result.Errors)
	}

	res, err := s.Run(context.Background(), p, result, "main")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Completed != 1 {
		t.Fatalf("expected eventual success, got %+v", res)
	}

	var toStates []State
	for _, tr := range res.Tasks[0].History {
		toStates = append(toStates, tr.To)
	}

	// The retried attempt must re-enter queued before running again, not
	// jump straight from ready to running.
	want := []State{StateReady, StateQueued, StateRunning, StateFailed, StateReady, StateQueued, StateRunning, StateCompleted}
	if len(toStates) != len(want) {
		t.Fatalf("history = %v, want %v", toStates, want)
	}
	for i := range want {
		if toStates[i] != want[i] {
			t.Fatalf("history = %v, want %v", toStates, want)
		}
	}
}

func TestScheduler_PublishesTaskStateEvents(t *testing.T) {
	repoPath := setupTestRepo(t)
	s, _, bus := newTestScheduler(t, repoPath, Config{
		AgentArgs: []string{"-c", writeAgent},
	})

	sub := bus.Subscribe(events.TopicTask, 64)

	p := plan.Plan{BaseRef: "main", Tasks: []plan.Task{
		writerTask("a", []string{"a.txt"}, nil),
	}}
	result := dag.Validate(p)

	if _, err := s.Run(context.Background(), p, result, "main"); err != nil {
		t.Fatalf("run: %v", err)
	}

	sawCompleted := false
	drain := true
	for drain {
		select {
		case ev := <-sub:
			if tc, ok := ev.(events.TaskStateChangeEvent); ok && tc.To == string(StateCompleted) {
				sawCompleted = true
			}
		default:
			drain = false
		}
	}
	if !sawCompleted {
		t.Error("expected a task_state_change event to StateCompleted")
	}
}
