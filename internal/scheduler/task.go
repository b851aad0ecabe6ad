// Package scheduler drives a validated plan to completion: layer by layer,
// it acquires a workspace per task, delegates implementation to the agent
// runner, commits the result, and retries or blocks dependents on failure.
// Tasks run off dag.Result's precomputed layers rather than a live polling
// DAG: each layer is known parallel-safe before the first task in it starts.
package scheduler

import (
	"time"

	"github.com/arittr/chopstack/internal/plan"
)

// State is one node in the task state machine.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateBlocked   State = "blocked"
	StateSkipped   State = "skipped"
)

// Terminal reports whether s is one of the four terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateBlocked, StateSkipped:
		return true
	default:
		return false
	}
}

// Transition is one entry in a task's state history.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// ExecutionTask is plan.Task extended with the runtime fields the
// scheduler mutates during a run. Created from a plan.Task at run start;
// mutated only by the scheduler; read-only to everything else.
type ExecutionTask struct {
	Task plan.Task

	State        State
	History      []Transition
	RetryCount   int
	MaxRetries   int
	StartedAt    time.Time
	EndedAt      time.Time
	CommitID     string
	ExitCode     int
	Output       []byte
	WorkspaceDir string
}

// NewExecutionTask seeds an ExecutionTask in StatePending.
func NewExecutionTask(t plan.Task, maxRetries int) *ExecutionTask {
	return &ExecutionTask{
		Task:       t,
		State:      StatePending,
		MaxRetries: maxRetries,
	}
}

// transition moves the task to a new state, appending to its history. It
// does not itself validate that the edge is legal; the scheduler only
// calls it along permitted edges of the state machine.
func (et *ExecutionTask) transition(to State, reason string) {
	et.History = append(et.History, Transition{
		From:      et.State,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	et.State = to
}
