package agentrun

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunner_Success(t *testing.T) {
	r := NewRunner(nil)

	res := r.Run(context.Background(), Config{
		Command: "bash",
		Args:    []string{"-c", "cat > /dev/null; echo done"},
	}, "implement the widget")

	if !res.Success {
		t.Fatalf("expected success, got err=%v output=%s", res.Err, res.Output)
	}
	if !strings.Contains(string(res.Output), "done") {
		t.Errorf("expected output to contain 'done', got: %s", res.Output)
	}
}

func TestRunner_NonZeroExit(t *testing.T) {
	r := NewRunner(nil)

	res := r.Run(context.Background(), Config{
		Command: "bash",
		Args:    []string{"-c", "exit 2"},
	}, "")

	if res.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if res.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", res.ExitCode)
	}
}

func TestRunner_AgentNotAvailable(t *testing.T) {
	r := NewRunner(nil)

	res := r.Run(context.Background(), Config{Command: "definitely-not-a-real-binary-xyz"}, "")

	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrAgentNotAvailable) {
		t.Errorf("expected ErrAgentNotAvailable, got: %v", res.Err)
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(nil)

	res := r.Run(context.Background(), Config{
		Command: "sleep",
		Args:    []string{"30"},
		Timeout: 200 * time.Millisecond,
	}, "")

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got: %v", res.Err)
	}
}

func TestRunner_CancellationPropagates(t *testing.T) {
	r := NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := r.Run(ctx, Config{Command: "sleep", Args: []string{"30"}}, "")

	if res.Success {
		t.Fatal("expected failure from cancellation")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", res.Err)
	}
}
