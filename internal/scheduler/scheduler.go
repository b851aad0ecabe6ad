package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/arittr/chopstack/internal/agentrun"
	"github.com/arittr/chopstack/internal/commitmsg"
	"github.com/arittr/chopstack/internal/dag"
	"github.com/arittr/chopstack/internal/events"
	"github.com/arittr/chopstack/internal/plan"
	"github.com/arittr/chopstack/internal/vcs"
	"github.com/arittr/chopstack/internal/workspace"
)

// Config controls scheduling policy.
type Config struct {
	MaxParallelTasks int
	PerTaskTimeout   time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	ContinueOnError  bool
	CleanupOnFailure bool
	DryRun           bool
	IncludeAllDiff   bool

	AgentCommand      string
	AgentArgs         []string
	AgentModel        string // appended as "--model <value>" when set
	AgentSystemPrompt string // prepended to each task's prompt when set

	// BreakerConsecutiveFailures and BreakerOpenTimeout tune the per-role
	// circuit breaker wrapping agent invocations. Zero values fall back to
	// the same defaults config.DefaultConfig ships.
	BreakerConsecutiveFailures uint32
	BreakerOpenTimeout         time.Duration
}

func (c Config) maxParallel(layerWidth int) int {
	n := c.MaxParallelTasks
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > layerWidth {
		n = layerWidth
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c Config) perTaskTimeout() time.Duration {
	if c.PerTaskTimeout <= 0 {
		return agentrun.DefaultTimeout
	}
	return c.PerTaskTimeout
}

func (c Config) retryBackoff() time.Duration {
	if c.RetryBackoff <= 0 {
		return 2 * time.Second
	}
	return c.RetryBackoff
}

func (c Config) breakerConsecutiveFailures() uint32 {
	if c.BreakerConsecutiveFailures == 0 {
		return 5
	}
	return c.BreakerConsecutiveFailures
}

func (c Config) breakerOpenTimeout() time.Duration {
	if c.BreakerOpenTimeout <= 0 {
		return 30 * time.Second
	}
	return c.BreakerOpenTimeout
}

// RunResult summarizes a completed (or cancelled) run.
type RunResult struct {
	Completed int
	Failed    int
	Blocked   int
	Skipped   int
	WallTime  time.Duration
	Cancelled bool
	Tasks     []*ExecutionTask
}

// Scheduler drives a validated plan's layers to completion.
type Scheduler struct {
	cfg Config

	ws        *workspace.Manager
	runner    *agentrun.Runner
	generator *commitmsg.Generator
	bus       *events.EventBus

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Scheduler. bus may be nil to disable event publication.
func New(cfg Config, ws *workspace.Manager, procMgr *agentrun.ProcessManager, bus *events.EventBus) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		ws:        ws,
		runner:    agentrun.NewRunner(procMgr),
		generator: commitmsg.NewGenerator(commitmsg.Config{Command: cfg.AgentCommand, Args: cfg.AgentArgs}, agentrun.NewRunner(procMgr)),
		bus:       bus,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *Scheduler) publish(topic string, e events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, e)
	}
}

// Run schedules layers in order, running each layer's tasks in parallel up
// to cfg.MaxParallelTasks, and returns once every task has reached a
// terminal state or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, p plan.Plan, validated dag.Result, baseRef string) (RunResult, error) {
	if !validated.Valid {
		return RunResult{}, fmt.Errorf("scheduler: plan is not valid")
	}

	start := time.Now()
	byID := make(map[string]*ExecutionTask, len(p.Tasks))
	var all []*ExecutionTask
	for _, t := range p.Tasks {
		et := NewExecutionTask(t, s.cfg.MaxRetries)
		byID[t.ID] = et
		all = append(all, et)
	}

	var cancelled bool

layers:
	for _, layer := range validated.Layers {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		// Resolve state before running: tasks whose dependencies are
		// terminally failed become blocked or skipped instead of running.
		var runnable []*ExecutionTask
		for _, t := range layer {
			et := byID[t.ID]
			if blockedReason := s.dependencyFailure(et, byID); blockedReason != "" {
				s.setDependentTerminal(et, blockedReason)
				continue
			}
			et.transition(StateReady, "")
			runnable = append(runnable, et)
		}

		if len(runnable) == 0 {
			continue
		}

		limit := s.cfg.maxParallel(len(runnable))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		for _, et := range runnable {
			et := et
			et.transition(StateQueued, "")
			g.Go(func() error {
				s.runTask(gctx, et, baseRef)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			cancelled = true
			break layers
		}

		s.publishProgress(all, layer)
	}

	if cancelled {
		s.cancelRemaining(all)
	}

	result := RunResult{WallTime: time.Since(start), Cancelled: cancelled, Tasks: all}
	for _, et := range all {
		switch et.State {
		case StateCompleted:
			result.Completed++
		case StateFailed:
			result.Failed++
		case StateBlocked:
			result.Blocked++
		case StateSkipped:
			result.Skipped++
		}
	}
	return result, nil
}

// dependencyFailure returns a non-empty reason if et has a terminally
// failed dependency, signalling it should not run this layer.
func (s *Scheduler) dependencyFailure(et *ExecutionTask, byID map[string]*ExecutionTask) string {
	for _, dep := range et.Task.Requires {
		d, ok := byID[dep]
		if !ok {
			continue
		}
		if d.State == StateFailed {
			return fmt.Sprintf("dependency %q failed", dep)
		}
		if d.State == StateBlocked || d.State == StateSkipped {
			return fmt.Sprintf("dependency %q did not complete", dep)
		}
	}
	return ""
}

func (s *Scheduler) setDependentTerminal(et *ExecutionTask, reason string) {
	if s.cfg.ContinueOnError {
		et.transition(StateSkipped, reason)
	} else {
		et.transition(StateBlocked, reason)
	}
	s.publish(events.TopicTask, events.TaskStateChangeEvent{
		ID: et.Task.ID, From: string(StatePending), To: string(et.State), Reason: reason, Timestamp: time.Now(),
	})
}

func (s *Scheduler) cancelRemaining(all []*ExecutionTask) {
	for _, et := range all {
		if !et.State.Terminal() {
			et.transition(StateFailed, "cancelled")
		}
	}
}

// runTask executes one task's full per-task workflow, retrying on failure
// with a fixed backoff interval up to et.MaxRetries. A constant interval
// is deliberate here rather than exponential: a plan's task count is small
// enough that backing off aggressively only delays recovery.
func (s *Scheduler) runTask(ctx context.Context, et *ExecutionTask, baseRef string) {
	operation := func() error {
		et.transition(StateRunning, "")
		et.StartedAt = time.Now()
		s.publish(events.TopicTask, events.TaskStateChangeEvent{
			ID: et.Task.ID, From: string(StateQueued), To: string(StateRunning), Timestamp: time.Now(),
		})

		err := s.attempt(ctx, et, baseRef)
		et.EndedAt = time.Now()

		if err == nil {
			et.transition(StateCompleted, "")
			s.publish(events.TopicTask, events.TaskStateChangeEvent{
				ID: et.Task.ID, From: string(StateRunning), To: string(StateCompleted), Timestamp: time.Now(),
			})
			return nil
		}

		et.transition(StateFailed, err.Error())
		s.publish(events.TopicTask, events.TaskStateChangeEvent{
			ID: et.Task.ID, From: string(StateRunning), To: string(StateFailed), Reason: err.Error(), Timestamp: time.Now(),
		})
		if errors.Is(err, agentrun.ErrAgentNotAvailable) {
			// A missing agent binary is never retried.
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		et.RetryCount++
		et.transition(StateReady, "retry")
		et.transition(StateQueued, "retry")
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.retryBackoff()), uint64(et.MaxRetries)),
		ctx,
	)
	_ = backoff.RetryNotify(operation, bo, notify)
}

// attempt runs the per-task workflow once: acquire workspace, invoke the
// agent, stage and commit on success.
func (s *Scheduler) attempt(ctx context.Context, et *ExecutionTask, baseRef string) error {
	wc, err := s.ws.Acquire(ctx, et.Task, baseRef)
	if err != nil {
		return fmt.Errorf("acquire workspace: %w", err)
	}
	et.WorkspaceDir = wc.Path
	s.publish(events.TopicWorkspace, events.WorkspaceCreatedEvent{ID: et.Task.ID, Path: wc.Path, Timestamp: time.Now()})

	keepBranch := false
	defer func() {
		if !keepBranch && !s.cfg.CleanupOnFailure {
			return
		}
		_ = s.ws.Release(context.WithoutCancel(ctx), et.Task.ID, keepBranch)
		s.publish(events.TopicWorkspace, events.WorkspaceReleasedEvent{ID: et.Task.ID, Timestamp: time.Now()})
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.perTaskTimeout())
	defer cancel()

	res, err := s.callAgent(runCtx, et, wc.Path)
	et.ExitCode = res.ExitCode
	et.Output = res.Output
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("agent exited %d", res.ExitCode)
	}

	if s.cfg.DryRun {
		// Force the deferred release to run so the workspace directory
		// doesn't linger; the still-empty branch is harmless either way.
		keepBranch = true
		return nil
	}

	repo := vcs.NewRepo(wc.Path)
	paths := et.Task.Writes
	if s.cfg.IncludeAllDiff {
		paths = nil
	}
	if err := s.stageAndCommit(runCtx, repo, et, paths); err != nil {
		return err
	}

	keepBranch = true
	return nil
}

func (s *Scheduler) stageAndCommit(ctx context.Context, repo *vcs.Repo, et *ExecutionTask, paths []string) error {
	if len(paths) > 0 {
		if err := repo.Stage(ctx, paths); err != nil {
			return fmt.Errorf("stage: %w", err)
		}
	} else {
		if err := repo.Stage(ctx, []string{"."}); err != nil {
			return fmt.Errorf("stage: %w", err)
		}
	}

	staged, err := repo.HasStagedChanges(ctx)
	if err != nil {
		return fmt.Errorf("check staged changes: %w", err)
	}
	if !staged {
		return vcs.ErrNothingToCommit
	}

	// Diff against HEAD, not the empty-ref working-tree-vs-index form: the
	// files were just staged above, so a diff with no ref would compare the
	// working tree to the now-identical index and always see nothing.
	changed, _ := repo.DiffNames(ctx, "HEAD")
	diffStat, _ := repo.DiffStat(ctx, "HEAD")
	msg := s.generator.Generate(ctx, et.Task, changed, summarizeDiff(diffStat))

	id, err := repo.Commit(ctx, msg)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	et.CommitID = id
	return nil
}

func summarizeDiff(stats []vcs.DiffStat) string {
	summary := ""
	for _, s := range stats {
		summary += fmt.Sprintf("%s: +%d -%d\n", s.Path, s.Additions, s.Deletions)
	}
	return summary
}

// callAgent invokes the configured agent once, through a per-agent-role
// circuit breaker that trips on repeated consecutive failures across tasks.
// A single agent invocation is never retried here: the constant-backoff
// retry operates one level up, in runTask, which calls attempt() again:
// with CleanupOnFailure set the failed workspace has been released and a
// fresh one is acquired; without it, Acquire returns the same workspace,
// still holding the failed attempt's changes.
func (s *Scheduler) callAgent(ctx context.Context, et *ExecutionTask, workDir string) (agentrun.Result, error) {
	cb := s.circuitBreaker("default")

	args := s.cfg.AgentArgs
	if s.cfg.AgentModel != "" {
		args = append(append([]string(nil), args...), "--model", s.cfg.AgentModel)
	}

	prompt := et.Task.AgentPrompt
	if s.cfg.AgentSystemPrompt != "" {
		prompt = s.cfg.AgentSystemPrompt + "\n\n" + prompt
	}

	v, err := cb.Execute(func() (interface{}, error) {
		r := s.runner.Run(ctx, agentrun.Config{
			Command: s.cfg.AgentCommand,
			Args:    args,
			WorkDir: workDir,
			Timeout: s.cfg.perTaskTimeout(),
		}, prompt)
		return r, r.Err
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The breaker surfaces the underlying Result alongside its error
		// (unlike an open-circuit rejection, where v is nil) so callers can
		// still inspect ExitCode/Output.
		if r, ok := v.(agentrun.Result); ok {
			return r, err
		}
	}
	if err != nil {
		return agentrun.Result{}, err
	}
	return v.(agentrun.Result), nil
}

func (s *Scheduler) circuitBreaker(role string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[role]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: 3,
		Timeout:     s.cfg.breakerOpenTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.breakerConsecutiveFailures()
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	s.breakers[role] = cb
	return cb
}

func (s *Scheduler) publishProgress(all []*ExecutionTask, layer []plan.Task) {
	var running, completed, failed int
	for _, et := range all {
		switch et.State {
		case StateRunning:
			running++
		case StateCompleted:
			completed++
		case StateFailed:
			failed++
		}
	}
	s.publish(events.TopicRun, events.RunProgressEvent{
		Total: len(all), Running: running, Completed: completed, Failed: failed, Timestamp: time.Now(),
	})
}
