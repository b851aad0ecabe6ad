package dag

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/arittr/chopstack/internal/plan"
)

// Validate computes structural errors, missing dependencies, cycles, and
// parallel file-write conflicts for p, then (only when all of those are
// empty) derives its execution layers and metrics.
func Validate(p plan.Plan) Result {
	res := Result{}

	res.Errors = p.StructuralErrors()

	byID := make(map[string]plan.Task, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID != "" {
			byID[t.ID] = t
		}
	}

	res.MissingDependencies = missingDependencies(p, byID)
	res.CircularDependencies = findCycles(p, byID)
	res.Conflicts = findConflicts(p, byID)
	res.OrphanedTasks = orphanedTasks(p)

	res.Valid = len(res.Errors) == 0 &&
		len(res.MissingDependencies) == 0 &&
		len(res.CircularDependencies) == 0 &&
		len(res.Conflicts) == 0

	if !res.Valid {
		return res
	}

	layers, err := layer(p, byID)
	if err != nil {
		// Structural soundness was already confirmed above; a failure here
		// would indicate an internal inconsistency, not a plan defect.
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("layering: %v", err))
		return res
	}
	res.Layers = layers
	res.Metrics = computeMetrics(p, byID, layers)

	return res
}

func missingDependencies(p plan.Plan, byID map[string]plan.Task) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, t := range p.Tasks {
		for _, dep := range t.Requires {
			if _, ok := byID[dep]; !ok && !seen[dep] {
				missing = append(missing, dep)
				seen[dep] = true
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// orphanedTasks reports tasks with no incoming or outgoing dependency edges,
// in a plan with more than one task. Advisory only; does not fail validation.
func orphanedTasks(p plan.Plan) []string {
	if len(p.Tasks) < 2 {
		return nil
	}
	hasEdge := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if len(t.Requires) > 0 {
			hasEdge[t.ID] = true
		}
		for _, dep := range t.Requires {
			hasEdge[dep] = true
		}
	}
	var orphans []string
	for _, t := range p.Tasks {
		if !hasEdge[t.ID] {
			orphans = append(orphans, t.ID)
		}
	}
	sort.Strings(orphans)
	return orphans
}

// findCycles reports each strongly connected component of size > 1 in the
// dependency graph, using Tarjan's algorithm. Self-dependencies are reported
// as a cycle of size 1. Only edges with both endpoints present in byID are
// considered (missing deps are reported separately).
func findCycles(p plan.Plan, byID map[string]plan.Task) []Cycle {
	type tarjanState struct {
		index, low int
		onStack    bool
	}

	var cycles []Cycle
	adj := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.Requires {
			if _, ok := byID[dep]; ok {
				adj[dep] = append(adj[dep], t.ID) // dep -> t, t depends on dep
			}
		}
		if contains(t.Requires, t.ID) {
			cycles = append(cycles, Cycle{Tasks: []string{t.ID}})
		}
	}

	states := make(map[string]*tarjanState)
	var stack []string
	counter := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		states[v] = &tarjanState{index: counter, low: counter, onStack: true}
		counter++
		stack = append(stack, v)

		for _, w := range adj[v] {
			if states[w] == nil {
				strongconnect(w)
				if states[w].low < states[v].low {
					states[v].low = states[w].low
				}
			} else if states[w].onStack {
				if states[w].index < states[v].low {
					states[v].low = states[w].index
				}
			}
		}

		if states[v].low == states[v].index {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				states[w].onStack = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 {
				sort.Strings(scc)
				cycles = append(cycles, Cycle{Tasks: scc})
			}
		}
	}

	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if states[id] == nil {
			strongconnect(id)
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Tasks[0] < cycles[j].Tasks[0] })
	return cycles
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// reachable computes, for every task, the set of tasks reachable from it by
// BFS along dependency -> dependent edges: the task itself plus everything
// downstream of it. Callers check both directions of a pair themselves.
func reachable(p plan.Plan, byID map[string]plan.Task) map[string]map[string]bool {
	succ := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.Requires {
			if _, ok := byID[dep]; ok {
				succ[dep] = append(succ[dep], t.ID)
			}
		}
	}

	result := make(map[string]map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		visited := map[string]bool{t.ID: true}
		queue := []string{t.ID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, n := range succ[cur] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		result[t.ID] = visited
	}
	return result
}

// findConflicts reports, for every path written by more than one task, the
// pairs (a, b) with no directed path between them in either direction.
func findConflicts(p plan.Plan, byID map[string]plan.Task) []Conflict {
	writers := make(map[string][]string)
	for _, t := range p.Tasks {
		for _, w := range t.Writes {
			writers[w] = append(writers[w], t.ID)
		}
	}

	reach := reachable(p, byID)
	var conflicts []Conflict

	paths := make([]string, 0, len(writers))
	for path := range writers {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		ids := writers[path]
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := ids[i], ids[j]
				if reach[a][b] || reach[b][a] {
					continue
				}
				conflicts = append(conflicts, Conflict{TaskA: a, TaskB: b, Path: path})
			}
		}
	}
	return conflicts
}

// layer topologically orders tasks via toposort, then assigns each task to
// the smallest layer index strictly greater than the max layer of its
// dependencies.
func layer(p plan.Plan, byID map[string]plan.Task) ([][]plan.Task, error) {
	if len(p.Tasks) == 0 {
		return nil, nil
	}

	var edges []toposort.Edge
	for _, t := range p.Tasks {
		if len(t.Requires) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.Requires {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	order, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("topological sort: %w", err)
	}

	layerIndex := make(map[string]int, len(p.Tasks))
	for _, raw := range order {
		if raw == nil {
			continue
		}
		id := raw.(string)
		t := byID[id]
		maxDep := -1
		for _, dep := range t.Requires {
			if l, ok := layerIndex[dep]; ok && l > maxDep {
				maxDep = l
			}
		}
		layerIndex[id] = maxDep + 1
	}

	maxLayer := 0
	for _, l := range layerIndex {
		if l > maxLayer {
			maxLayer = l
		}
	}

	layers := make([][]plan.Task, maxLayer+1)
	for _, t := range p.Tasks {
		l := layerIndex[t.ID]
		layers[l] = append(layers[l], t)
	}
	for i := range layers {
		sort.Slice(layers[i], func(a, b int) bool { return layers[i][a].ID < layers[i][b].ID })
	}
	return layers, nil
}
