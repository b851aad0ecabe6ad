// Package commitmsg produces the commit message for a completed task: an
// external-agent generator with a deterministic rule-based fallback that
// never fails.
//
// Uses internal/agentrun.Runner for the external call and matches
// internal/vcs.Repo.CommitMessage's %B format for what a commit message
// looks like once produced.
package commitmsg

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/arittr/chopstack/internal/agentrun"
	"github.com/arittr/chopstack/internal/plan"
)

const (
	startMarker = "<<<COMMIT_MESSAGE_START>>>"
	endMarker   = "<<<COMMIT_MESSAGE_END>>>"
	minLength   = 5

	trailer = "Generated-By: chopstack"
	coAuthor = "Co-authored-by: chopstack-agent <agent@chopstack.local>"
)

var promptTemplate = template.Must(template.New("commitmsg").Parse(
	`Write a single git commit message for the following change.

Title: {{.Title}}
Description: {{.Description}}
Changed files:
{{range .Files}}- {{.}}
{{end}}
Diff summary:
{{.DiffSummary}}

Respond with only the commit message, wrapped exactly between these two
markers on their own lines:
` + startMarker + `
<your message here>
` + endMarker + `
`))

// Config selects an external agent command for message generation. A zero
// Config disables the external path and always uses the rule-based
// fallback.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// Generator produces commit messages for completed tasks.
type Generator struct {
	cfg    Config
	runner *agentrun.Runner
}

// NewGenerator creates a Generator. runner may be nil if cfg.Command is
// empty.
func NewGenerator(cfg Config, runner *agentrun.Runner) *Generator {
	return &Generator{cfg: cfg, runner: runner}
}

// Generate returns a commit message for task given its changed files and a
// compact diff summary. It never returns an error: on any external
// generator failure it silently falls back to the rule-based message.
func (g *Generator) Generate(ctx context.Context, task plan.Task, changedFiles []string, diffSummary string) string {
	if g.cfg.Command != "" && g.runner != nil {
		if msg, ok := g.generateExternal(ctx, task, changedFiles, diffSummary); ok {
			return appendTrailer(msg)
		}
	}
	return appendTrailer(g.generateRuleBased(task, changedFiles))
}

func (g *Generator) generateExternal(ctx context.Context, task plan.Task, changedFiles []string, diffSummary string) (string, bool) {
	var buf bytes.Buffer
	data := struct {
		Title       string
		Description string
		Files       []string
		DiffSummary string
	}{task.Title, task.Description, changedFiles, diffSummary}

	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "", false
	}

	res := g.runner.Run(ctx, agentrun.Config{
		Command: g.cfg.Command,
		Args:    g.cfg.Args,
		Timeout: g.cfg.Timeout,
	}, buf.String())
	if !res.Success {
		return "", false
	}

	msg, ok := extractMessage(string(res.Output))
	if !ok || len(strings.TrimSpace(msg)) < minLength {
		return "", false
	}
	return msg, true
}

// extractMessage pulls the text between the sentinel markers and strips
// common preambles and fenced code blocks.
func extractMessage(output string) (string, bool) {
	start := strings.Index(output, startMarker)
	end := strings.Index(output, endMarker)
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	msg := output[start+len(startMarker) : end]
	msg = strings.TrimSpace(msg)
	msg = strings.TrimPrefix(msg, "```")
	msg = strings.TrimSuffix(msg, "```")
	msg = strings.TrimSpace(msg)

	for _, preamble := range []string{"Looking at", "Based on", "Here is", "Here's"} {
		if strings.HasPrefix(msg, preamble) {
			if idx := strings.Index(msg, "\n"); idx != -1 {
				msg = strings.TrimSpace(msg[idx+1:])
			}
		}
	}
	return msg, msg != ""
}

type category struct {
	name       string
	extensions []string
	pathParts  []string
}

var categories = []category{
	{name: "tests", extensions: []string{"_test.go"}, pathParts: []string{"/test/", "/tests/"}},
	{name: "apis", pathParts: []string{"/api/", "/apis/", "/handlers/", "/routes/"}},
	{name: "configs", extensions: []string{".yaml", ".yml", ".json", ".toml"}, pathParts: []string{"/config/", "config."}},
	{name: "docs", extensions: []string{".md", ".rst", ".txt"}, pathParts: []string{"/docs/"}},
	{name: "components", pathParts: []string{"/internal/", "/pkg/", "/cmd/"}},
}

func classify(path string) string {
	for _, c := range categories {
		for _, ext := range c.extensions {
			if strings.HasSuffix(path, ext) {
				return c.name
			}
		}
		for _, part := range c.pathParts {
			if strings.Contains(path, part) {
				return c.name
			}
		}
	}
	return "components"
}

func (g *Generator) generateRuleBased(task plan.Task, changedFiles []string) string {
	counts := make(map[string]int)
	for _, f := range changedFiles {
		counts[classify(f)]++
	}

	dominant := "components"
	best := -1
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if counts[name] > best {
			best = counts[name]
			dominant = name
		}
	}

	title := task.Title
	if title == "" {
		title = task.ID
	}

	return fmt.Sprintf("%s (%s)\n\n%s", title, dominant, task.Description)
}

func appendTrailer(msg string) string {
	return fmt.Sprintf("%s\n\n%s\n%s", strings.TrimRight(msg, "\n"), trailer, coAuthor)
}
