// Package cli is the thin Cobra command surface that wires together the
// core: loading config, parsing and validating a plan, and running (or
// just validating) it. The argument surface itself carries no business
// logic; every decision it makes is a pass-through into internal/config,
// internal/plan, internal/dag, and internal/scheduler.
//
// Persistent flags and subcommand registration in init() follow a
// conventional Cobra layout; signal-aware shutdown (NotifyContext +
// killing tracked subprocesses on interrupt) drives a synchronous
// run-then-print command rather than an interactive terminal loop.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	globalConfigPath  string
	projectConfigPath string
)

var rootCmd = &cobra.Command{
	Use:   "chopstack",
	Short: "Decompose a feature into file-scoped tasks and execute them in parallel",
	Long: `chopstack takes a validated task plan, schedules it as dependency- and
conflict-free layers, drives each task to completion inside an isolated
git worktree via an external code-generation agent, and replays the
resulting commits onto the host repository as a reviewable stack of
branches.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "global-config", "", "path to global config.json (default ~/.chopstack/config.json)")
	rootCmd.PersistentFlags().StringVar(&projectConfigPath, "project-config", "", "path to project config.json (default .chopstack/config.json)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chopstack %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
