package config

import "time"

// DefaultConfig returns the default configuration: built-in providers, the
// agent roles the scheduler and commit generator call, and the engine
// tuning defaults (5 minute per-task timeout, .chopstack/shadows,
// chopstack/ branch prefix).
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Engine: EngineConfig{
			ShadowDir:        ".chopstack/shadows",
			BranchPrefix:     "chopstack/",
			MaxParallelTasks: 0, // 0 means runtime.NumCPU(), capped by layer width
			PerTaskTimeout:   5 * time.Minute,
			MaxRetries:       1,
			RetryBackoff:     2 * time.Second,
			ContinueOnError:  false,
			CleanupOnFailure: true,
			CircuitBreaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude"},
			"codex":  {Command: "codex"},
			"goose":  {Command: "goose"},
		},
		Agents: map[string]AgentConfig{
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement one file-scoped task from a decomposition plan.",
			},
			"commit-message": {
				Provider:     "claude",
				SystemPrompt: "You write a single git commit message for a completed task.",
			},
		},
	}
}
