package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arittr/chopstack/internal/agentrun"
	"github.com/arittr/chopstack/internal/events"
	"github.com/arittr/chopstack/internal/ledger"
	"github.com/arittr/chopstack/internal/scheduler"
	"github.com/arittr/chopstack/internal/stack"
	"github.com/arittr/chopstack/internal/workspace"
)

var (
	runDryRun      bool
	runIncludeAll  bool
	runLedgerPath  string
	runBaseRefFlag string
)

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "acquire workspaces and invoke the agent, but skip commit and stack assembly")
	runCmd.Flags().BoolVar(&runIncludeAll, "include-all", false, "stage every changed file instead of only a task's declared writes")
	runCmd.Flags().StringVar(&runLedgerPath, "ledger", "", "path to an optional SQLite run ledger (disabled if empty)")
	runCmd.Flags().StringVar(&runBaseRefFlag, "base-ref", "", "override the plan's base reference")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Validate and execute a task plan against the host repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, result, err := loadAndValidatePlan(args[0])
		if err != nil {
			return err
		}
		printValidation(result)
		if !result.Valid {
			return fmt.Errorf("plan validation failed")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		planPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		repoDir := findGitRoot(filepath.Dir(planPath))
		if repoDir == "" {
			return fmt.Errorf("could not find git repository root from %s", filepath.Dir(planPath))
		}

		baseRef := p.BaseRef
		if runBaseRefFlag != "" {
			baseRef = runBaseRefFlag
		}

		agentCmd, ok := cfg.Agents["coder"]
		if !ok {
			return fmt.Errorf("no agent command configured for role %q", "coder")
		}
		provider, ok := cfg.Providers[agentCmd.Provider]
		if !ok {
			return fmt.Errorf("agent role %q references unknown provider %q", "coder", agentCmd.Provider)
		}

		ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stopSignals()

		procMgr := agentrun.NewProcessManager()
		bus := events.NewEventBus()
		defer bus.Close()

		var led *ledger.Ledger
		if runLedgerPath != "" {
			led, err = ledger.Open(ctx, runLedgerPath, baseRef)
			if err != nil {
				return fmt.Errorf("opening ledger: %w", err)
			}
			led.Subscribe(ctx, bus)
			defer led.Close()
		}

		ws := workspace.NewManager(workspace.Config{
			ShadowDir:    cfg.Engine.ShadowDir,
			BranchPrefix: cfg.Engine.BranchPrefix,
			RepoDir:      repoDir,
		})

		sched := scheduler.New(scheduler.Config{
			MaxParallelTasks:           cfg.Engine.MaxParallelTasks,
			PerTaskTimeout:             cfg.Engine.PerTaskTimeout,
			MaxRetries:                 cfg.Engine.MaxRetries,
			RetryBackoff:               cfg.Engine.RetryBackoff,
			ContinueOnError:            cfg.Engine.ContinueOnError,
			CleanupOnFailure:           cfg.Engine.CleanupOnFailure,
			DryRun:                     runDryRun,
			IncludeAllDiff:             runIncludeAll,
			AgentCommand:               provider.Command,
			AgentArgs:                  provider.Args,
			AgentModel:                 agentCmd.Model,
			AgentSystemPrompt:          agentCmd.SystemPrompt,
			BreakerConsecutiveFailures: cfg.Engine.CircuitBreaker.ConsecutiveFailures,
			BreakerOpenTimeout:         cfg.Engine.CircuitBreaker.OpenTimeout,
		}, ws, procMgr, bus)

		go func() {
			<-ctx.Done()
			log.Println("shutdown signal received, killing in-flight agents")
			_ = procMgr.KillAll()
		}()

		runResult, err := sched.Run(ctx, p, result, baseRef)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}

		fmt.Printf("run complete: %d completed, %d failed, %d blocked, %d skipped (%s)\n",
			runResult.Completed, runResult.Failed, runResult.Blocked, runResult.Skipped, runResult.WallTime)

		if runResult.Cancelled {
			return fmt.Errorf("run cancelled")
		}
		if runDryRun {
			return nil
		}
		if runResult.Failed > 0 && !cfg.Engine.ContinueOnError {
			return fmt.Errorf("%d task(s) failed with retries exhausted", runResult.Failed)
		}

		var completed []*scheduler.ExecutionTask
		for _, et := range runResult.Tasks {
			if et.State == scheduler.StateCompleted {
				completed = append(completed, et)
			}
		}
		if len(completed) == 0 {
			fmt.Println("no completed tasks to assemble into a stack")
			return nil
		}

		asm := stack.New(stack.Config{
			BranchPrefix:  cfg.Engine.BranchPrefix,
			SubmitCommand: cfg.SubmitCommand,
			SubmitArgs:    cfg.SubmitArgs,
		}, repoDir)

		stackResult, err := asm.Assemble(ctx, completed, baseRef)
		if err != nil {
			return fmt.Errorf("stack assembly: %w", err)
		}

		var branchNames []string
		for _, b := range stackResult.Branches {
			branchNames = append(branchNames, b.BranchName)
			fmt.Printf("  %s -> %s (parent %s, commit %s)\n", b.TaskID, b.BranchName, b.ParentBranch, b.CommitID)
		}
		bus.Publish(events.TopicStack, events.StackBuiltEvent{Branches: branchNames, ParentRef: baseRef})

		if led != nil {
			var records []ledger.StackBranchRecord
			for _, b := range stackResult.Branches {
				records = append(records, ledger.StackBranchRecord{
					TaskID: b.TaskID, BranchName: b.BranchName, ParentBranch: b.ParentBranch, CommitID: b.CommitID,
				})
			}
			_ = led.RecordStack(ctx, records)
			_ = led.Finish(ctx, runResult.Completed, runResult.Failed, runResult.Blocked, runResult.Skipped, runResult.Cancelled)
		}

		for _, url := range stackResult.ReviewURLs {
			fmt.Printf("review: %s\n", url)
		}

		return nil
	},
}
