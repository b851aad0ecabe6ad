// Package agentrun spawns the external code-generation agent for a single
// task, enforcing a timeout and classifying the outcome by exit code alone.
//
// Process-group isolation (newCommand) and concurrent pipe draining
// (executeCommand) are kept, but per-backend (claude/codex/goose) JSON wire
// parsing is dropped: the agent contract never interprets the child's
// output, it only decides success by exit code — there is exactly one
// generic adapter here, not three.
package agentrun

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultTimeout is the per-task agent timeout applied when Config.Timeout
// is zero.
const DefaultTimeout = 5 * time.Minute

// Sentinel errors for the agent-invocation error taxonomy.
var (
	// ErrAgentNotAvailable is returned when the configured agent binary
	// cannot be found on PATH. Never retriable.
	ErrAgentNotAvailable = errors.New("agentrun: agent binary not available")
	// ErrTimeout is returned when the agent did not exit within the
	// configured timeout. The child process group is killed.
	ErrTimeout = errors.New("agentrun: timed out")
)

// Config describes how to invoke the external agent for one task.
type Config struct {
	Command string        // agent binary name, e.g. "claude", "codex", "my-agent"
	Args    []string      // fixed arguments prepended to every invocation
	WorkDir string        // absolute path of the task's workspace
	Timeout time.Duration // zero means DefaultTimeout
}

// Result is the outcome of one agent invocation.
type Result struct {
	Success  bool
	Output   []byte
	ExitCode int
	Err      error
}

// Runner spawns the configured agent binary for a task prompt.
type Runner struct {
	procMgr *ProcessManager
}

// NewRunner creates a Runner. procMgr may be nil, in which case spawned
// processes are not tracked for bulk shutdown.
func NewRunner(procMgr *ProcessManager) *Runner {
	return &Runner{procMgr: procMgr}
}

// Run spawns the agent with prompt on stdin and waits for it to exit, the
// child to be killed by ctx cancellation, or the timeout to elapse —
// whichever happens first. It never interprets stdout/stderr content: the
// only signal it acts on is the process exit code.
func (r *Runner) Run(ctx context.Context, cfg Config, prompt string) Result {
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return Result{Err: fmt.Errorf("%w: %s: %v", ErrAgentNotAvailable, cfg.Command, err)}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := newCommand(runCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir

	output, exitCode, err := executeCommand(cmd, prompt, r.procMgr)

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Output: output, ExitCode: exitCode, Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	}
	if ctx.Err() != nil {
		return Result{Output: output, ExitCode: exitCode, Err: ctx.Err()}
	}
	if err != nil {
		return Result{Output: output, ExitCode: exitCode, Err: err}
	}

	return Result{Success: true, Output: output, ExitCode: 0}
}

// Kill force-terminates the agent's process group, for callers holding a
// raw *exec.Cmd. Run does not use it: Run honors ctx cancellation, and the
// scheduler does not call Kill.
func Kill(cmd *exec.Cmd) error {
	return killProcessGroup(cmd)
}
