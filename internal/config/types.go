package config

import "time"

// ProviderConfig defines a transport layer (CLI command, args) for an
// external agent. Providers are separate from agent commands -- several
// roles can share one provider's invocation shape.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
}

// AgentConfig binds one agent role (coder, commit-message, ...) to a
// provider plus role-specific overrides. The engine calls exactly one
// external agent contract per role, so there is no per-call tool allowlist
// to carry.
type AgentConfig struct {
	Provider     string `json:"provider"`                // Key into Providers map
	Model        string `json:"model,omitempty"`         // Model override (e.g., "opus-4", "gpt-4.1")
	SystemPrompt string `json:"system_prompt,omitempty"` // Role-specific system prompt
}

// BreakerConfig tunes the per-agent-role gobreaker.CircuitBreaker the
// scheduler wraps around agent invocations.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `json:"consecutive_failures,omitempty"`
	OpenTimeout         time.Duration `json:"open_timeout,omitempty"`
}

// EngineConfig holds the scheduler/workspace/stack tuning left to the
// deployment: shadow path and branch prefix, parallelism and
// timeout/retry policy, and circuit-breaker tuning.
type EngineConfig struct {
	ShadowDir        string        `json:"shadow_dir,omitempty"`
	BranchPrefix     string        `json:"branch_prefix,omitempty"`
	MaxParallelTasks int           `json:"max_parallel_tasks,omitempty"`
	PerTaskTimeout   time.Duration `json:"per_task_timeout,omitempty"`
	MaxRetries       int           `json:"max_retries,omitempty"`
	RetryBackoff     time.Duration `json:"retry_backoff,omitempty"`
	ContinueOnError  bool          `json:"continue_on_error,omitempty"`
	CleanupOnFailure bool          `json:"cleanup_on_failure,omitempty"`
	CircuitBreaker   BreakerConfig `json:"circuit_breaker,omitempty"`
}

// OrchestratorConfig is the top-level configuration: engine tuning plus the
// provider/agent commands the scheduler, commit generator, and stack
// submission step invoke. There is no sequential workflow-step concept
// here: a plan is produced once, up front, by an external decomposition
// agent, and execution does not spawn follow-up tasks.
type OrchestratorConfig struct {
	Engine        EngineConfig           `json:"engine"`
	Providers     map[string]ProviderConfig `json:"providers"`
	Agents        map[string]AgentConfig    `json:"agents"`
	SubmitCommand string                    `json:"submit_command,omitempty"`
	SubmitArgs    []string                  `json:"submit_args,omitempty"`
}
