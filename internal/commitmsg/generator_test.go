package commitmsg

import (
	"context"
	"strings"
	"testing"

	"github.com/arittr/chopstack/internal/agentrun"
	"github.com/arittr/chopstack/internal/plan"
)

func TestGenerate_RuleBasedFallbackWhenNoCommandConfigured(t *testing.T) {
	g := NewGenerator(Config{}, nil)
	task := plan.Task{ID: "add-handler", Title: "Add HTTP handler", Description: "Adds a GET /widgets handler"}

	msg := g.Generate(context.Background(), task, []string{"internal/api/handler.go"}, "")

	if !strings.Contains(msg, "Add HTTP handler") {
		t.Errorf("expected title in message, got %q", msg)
	}
	if !strings.Contains(msg, trailer) || !strings.Contains(msg, coAuthor) {
		t.Errorf("expected trailer and co-author line, got %q", msg)
	}
}

func TestGenerate_RuleBasedClassifiesTests(t *testing.T) {
	g := NewGenerator(Config{}, nil)
	task := plan.Task{ID: "t", Title: "Add tests", Description: "d"}

	msg := g.Generate(context.Background(), task, []string{"internal/api/handler_test.go"}, "")
	if !strings.Contains(msg, "(tests)") {
		t.Errorf("expected tests category, got %q", msg)
	}
}

func TestGenerate_RuleBasedClassifiesDocs(t *testing.T) {
	g := NewGenerator(Config{}, nil)
	task := plan.Task{ID: "t", Title: "Update readme", Description: "d"}

	msg := g.Generate(context.Background(), task, []string{"docs/guide.md"}, "")
	if !strings.Contains(msg, "(docs)") {
		t.Errorf("expected docs category, got %q", msg)
	}
}

func TestExtractMessage_StripsMarkersAndFence(t *testing.T) {
	output := "Looking at this change...\n" + startMarker + "\n```\nfix widget bug\n```\n" + endMarker
	msg, ok := extractMessage(output)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if msg != "fix widget bug" {
		t.Errorf("expected stripped message, got %q", msg)
	}
}

func TestExtractMessage_MissingMarkersFails(t *testing.T) {
	if _, ok := extractMessage("no markers here"); ok {
		t.Fatal("expected extraction to fail without markers")
	}
}

func TestExtractMessage_TooShortFailsValidation(t *testing.T) {
	output := startMarker + "\nab\n" + endMarker
	msg, ok := extractMessage(output)
	if !ok {
		t.Fatal("expected extraction itself to succeed")
	}
	if len(msg) >= minLength {
		t.Fatalf("expected short message, got %q", msg)
	}
}

func TestGenerate_NeverFails(t *testing.T) {
	g := NewGenerator(Config{Command: "this-binary-does-not-exist-xyz"}, nil)
	task := plan.Task{ID: "t", Title: "Title", Description: "d"}

	msg := g.Generate(context.Background(), task, nil, "")
	if msg == "" {
		t.Fatal("expected a non-empty fallback message")
	}
}

func TestGenerate_FallsBackWhenAgentUnavailable(t *testing.T) {
	runner := agentrun.NewRunner(agentrun.NewProcessManager())
	g := NewGenerator(Config{Command: "this-binary-does-not-exist-xyz"}, runner)
	task := plan.Task{ID: "t", Title: "Title", Description: "d"}

	msg := g.Generate(context.Background(), task, []string{"internal/api/handler.go"}, "")
	if !strings.Contains(msg, "Title") {
		t.Fatalf("expected fallback message to contain task title, got %q", msg)
	}
}
