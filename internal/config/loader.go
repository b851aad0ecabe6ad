package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.chopstack/config.json
// Project: .chopstack/config.json (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".chopstack", "config.json")
	projectPath := filepath.Join(".chopstack", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Parse JSON
	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Engine settings: any non-zero field loaded overrides the base.
	mergeEngine(&base.Engine, loaded.Engine)

	// Merge providers
	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}

	// Merge agents
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}

	if loaded.SubmitCommand != "" {
		base.SubmitCommand = loaded.SubmitCommand
		base.SubmitArgs = loaded.SubmitArgs
	}

	return nil
}

// mergeEngine overlays each non-zero field of override onto base, so a
// project config can tune a single knob (say, MaxParallelTasks) without
// having to restate every other engine default.
func mergeEngine(base *EngineConfig, override EngineConfig) {
	if override.ShadowDir != "" {
		base.ShadowDir = override.ShadowDir
	}
	if override.BranchPrefix != "" {
		base.BranchPrefix = override.BranchPrefix
	}
	if override.MaxParallelTasks != 0 {
		base.MaxParallelTasks = override.MaxParallelTasks
	}
	if override.PerTaskTimeout != 0 {
		base.PerTaskTimeout = override.PerTaskTimeout
	}
	if override.MaxRetries != 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.RetryBackoff != 0 {
		base.RetryBackoff = override.RetryBackoff
	}
	if override.ContinueOnError {
		base.ContinueOnError = true
	}
	if override.CircuitBreaker.ConsecutiveFailures != 0 {
		base.CircuitBreaker.ConsecutiveFailures = override.CircuitBreaker.ConsecutiveFailures
	}
	if override.CircuitBreaker.OpenTimeout != 0 {
		base.CircuitBreaker.OpenTimeout = override.CircuitBreaker.OpenTimeout
	}
}
