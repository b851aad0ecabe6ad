// Package dag validates a plan.Plan as a legal parallel execution plan and
// derives the layered schedule and metrics the scheduler runs against.
//
// Built on gammazero/toposort for ordering and layering, as a pure,
// immutable validator over plan.Plan — no mutable task status lives here;
// that belongs to the scheduler's ExecutionTask.
package dag

import "github.com/arittr/chopstack/internal/plan"

// Conflict names two tasks that may run concurrently (no path between them)
// but both write the same path.
type Conflict struct {
	TaskA string
	TaskB string
	Path  string
}

// Cycle is one strongly connected component of size > 1 in the dependency
// graph, or a single task that lists itself in its own Requires.
type Cycle struct {
	Tasks []string
}

// Result is the outcome of validating a plan.
type Result struct {
	Valid               bool
	Errors              []string
	Conflicts           []Conflict
	CircularDependencies []Cycle
	MissingDependencies []string
	OrphanedTasks       []string
	Layers              [][]plan.Task
	Metrics             Metrics
}

// Metrics summarizes the shape of a validated plan.
type Metrics struct {
	TaskCount           int
	ExecutionLayers     int
	MaxParallelization  int
	CriticalPathLength  int
	TotalEstimatedLines int
	EstimatedSpeedup    float64
}
