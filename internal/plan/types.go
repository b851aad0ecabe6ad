// Package plan holds the in-memory representation of a decomposition plan:
// a set of file-scoped tasks plus the dependency and write-scope metadata
// the DAG validator and scheduler need to drive them to completion.
//
// Field shape and doc density follow the existing task-scheduling
// conventions in this codebase, generalized to a wire-level Task/Plan
// model, with per-task invariant checks split out into this package's
// Plan.StructuralErrors.
package plan

import "fmt"

// Task is one file-scoped unit of work delegated to the external agent.
type Task struct {
	ID             string   `json:"id" yaml:"id"`
	Title          string   `json:"title" yaml:"title"`
	Description    string   `json:"description" yaml:"description"`
	Writes         []string `json:"writes" yaml:"writes"`
	Reads          []string `json:"reads,omitempty" yaml:"reads,omitempty"`
	Requires       []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	EstimatedLines int      `json:"estimatedLines" yaml:"estimatedLines"`
	AgentPrompt    string   `json:"agentPrompt" yaml:"agentPrompt"`
}

// Plan is a set of tasks plus the reference they are all rooted on.
type Plan struct {
	BaseRef string `json:"baseRef" yaml:"baseRef"`
	Tasks   []Task `json:"tasks" yaml:"tasks"`
}

// TaskByID returns the task with the given id, if present.
func (p Plan) TaskByID(id string) (Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// StructuralErrors reports per-task invariant violations: empty id, empty
// title/description/prompt, non-positive size, or a duplicate id. It does
// not check cross-task graph properties (cycles, missing deps, conflicts);
// that is the DAG validator's job.
func (p Plan) StructuralErrors() []string {
	var errs []string
	seen := make(map[string]bool, len(p.Tasks))

	for i, t := range p.Tasks {
		label := t.ID
		if label == "" {
			label = fmt.Sprintf("task[%d]", i)
		}

		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("%s: missing id", label))
		} else if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate id", label))
		}
		seen[t.ID] = true

		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("%s: missing title", label))
		}
		if t.Description == "" {
			errs = append(errs, fmt.Sprintf("%s: missing description", label))
		}
		if t.AgentPrompt == "" {
			errs = append(errs, fmt.Sprintf("%s: missing agentPrompt", label))
		}
		if t.EstimatedLines <= 0 {
			errs = append(errs, fmt.Sprintf("%s: estimatedLines must be positive", label))
		}
		if dup := firstDuplicate(t.Writes); dup != "" {
			errs = append(errs, fmt.Sprintf("%s: duplicate path %q in writes", label, dup))
		}
	}
	return errs
}

func firstDuplicate(paths []string) string {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			return p
		}
		seen[p] = true
	}
	return ""
}
