package dag

import "github.com/arittr/chopstack/internal/plan"

// computeMetrics derives summary statistics from an already-layered plan.
func computeMetrics(p plan.Plan, byID map[string]plan.Task, layers [][]plan.Task) Metrics {
	m := Metrics{
		TaskCount:       len(p.Tasks),
		ExecutionLayers: len(layers),
	}

	for _, l := range layers {
		if len(l) > m.MaxParallelization {
			m.MaxParallelization = len(l)
		}
	}

	for _, t := range p.Tasks {
		m.TotalEstimatedLines += t.EstimatedLines
	}

	memo := make(map[string]int, len(p.Tasks))
	for _, t := range p.Tasks {
		m.CriticalPathLength = max(m.CriticalPathLength, criticalPathTo(t.ID, byID, memo))
	}

	denom := m.CriticalPathLength
	if denom < 1 {
		denom = 1
	}
	m.EstimatedSpeedup = float64(m.TotalEstimatedLines) / float64(denom)

	return m
}


// criticalPathTo computes, memoized, the max sum of sizes along any path in
// the dependency graph ending at id (inclusive of id's own size).
func criticalPathTo(id string, byID map[string]plan.Task, memo map[string]int) int {
	if v, ok := memo[id]; ok {
		return v
	}
	t := byID[id]
	best := 0
	for _, dep := range t.Requires {
		if _, ok := byID[dep]; !ok {
			continue
		}
		if v := criticalPathTo(dep, byID, memo); v > best {
			best = v
		}
	}
	result := best + t.EstimatedLines
	memo[id] = result
	return result
}
