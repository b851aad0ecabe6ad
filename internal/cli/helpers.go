package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arittr/chopstack/internal/config"
	"github.com/arittr/chopstack/internal/dag"
	"github.com/arittr/chopstack/internal/plan"
)

// loadConfig resolves config paths (flags override the conventional
// ~/.chopstack and ./.chopstack locations) and loads the merged config.
func loadConfig() (*config.OrchestratorConfig, error) {
	global := globalConfigPath
	project := projectConfigPath

	if global == "" || project == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		if global == "" {
			global = filepath.Join(homeDir, ".chopstack", "config.json")
		}
		if project == "" {
			project = filepath.Join(".chopstack", "config.json")
		}
	}

	return config.Load(global, project)
}

// loadAndValidatePlan reads planPath, parses it, and validates it as a DAG.
// The plan is returned even when invalid so callers can report details.
func loadAndValidatePlan(planPath string) (plan.Plan, dag.Result, error) {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return plan.Plan{}, dag.Result{}, fmt.Errorf("reading plan %s: %w", planPath, err)
	}

	p, err := plan.Parse(data)
	if err != nil {
		return plan.Plan{}, dag.Result{}, err
	}

	result := dag.Validate(p)
	return p, result, nil
}

// printValidation prints a human-readable validation report, enumerating
// each error/conflict/cycle field the way the matching test scenarios do.
func printValidation(result dag.Result) {
	if result.Valid {
		fmt.Printf("Plan is valid: %d task(s), %d layer(s), max parallelization %d, estimated speedup %.2fx\n",
			result.Metrics.TaskCount, result.Metrics.ExecutionLayers, result.Metrics.MaxParallelization, result.Metrics.EstimatedSpeedup)
		for _, orphan := range result.OrphanedTasks {
			fmt.Printf("  note: task %q has no dependency edges\n", orphan)
		}
		return
	}

	fmt.Println("Plan is invalid:")
	for _, e := range result.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, dep := range result.MissingDependencies {
		fmt.Printf("  missing dependency: %s\n", dep)
	}
	for _, cyc := range result.CircularDependencies {
		fmt.Printf("  cycle: %v\n", cyc.Tasks)
	}
	for _, c := range result.Conflicts {
		fmt.Printf("  conflict: %s and %s both write %s with no dependency between them\n", c.TaskA, c.TaskB, c.Path)
	}
}
