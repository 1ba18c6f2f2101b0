package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcdash/arc/domain"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path. The scripts stand in for the real agent CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func newTestRunner(t *testing.T, command string, timeout time.Duration) *Runner {
	t.Helper()
	return NewRunner(command, timeout, t.TempDir())
}

func TestRunnerEchoesStdin(t *testing.T) {
	cmd := writeScript(t, "cat")
	r := newTestRunner(t, cmd, 10*time.Second)

	var chunks []string
	result, err := r.Run(&domain.Agent{ID: "a1"}, "hello agent", "s1", func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Output != "hello agent" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", result.ExitCode)
	}
	if strings.Join(chunks, "") != "hello agent" {
		t.Fatalf("chunks do not reassemble output: %q", chunks)
	}
	if r.RunningCount() != 0 {
		t.Fatalf("process registry not cleaned up")
	}
}

func TestRunnerPassesFlags(t *testing.T) {
	cmd := writeScript(t, `echo "$@"`)
	r := newTestRunner(t, cmd, 10*time.Second)

	agent := &domain.Agent{
		ID:           "a1",
		Model:        "sonnet",
		MaxTurns:     7,
		AllowedTools: []string{"Bash", "Edit"},
	}
	result, err := r.Run(agent, "prompt", "s1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, want := range []string{
		"--print",
		"--output-format text",
		"--max-turns 7",
		"--model sonnet",
		"--allowedTools Bash",
		"--allowedTools Edit",
	} {
		if !strings.Contains(result.Output, want) {
			t.Fatalf("expected %q in args, got %q", want, result.Output)
		}
	}
	if !strings.HasSuffix(result.Output, "-") {
		t.Fatalf("args must end with stdin marker, got %q", result.Output)
	}
}

func TestRunnerTimeoutReturnsMessage(t *testing.T) {
	cmd := writeScript(t, "exec sleep 10")
	r := newTestRunner(t, cmd, 200*time.Millisecond)

	result, err := r.Run(&domain.Agent{ID: "a1"}, "prompt", "s1", nil)
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if !strings.Contains(result.Output, "timed out") {
		t.Fatalf("expected timeout message, got %q", result.Output)
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
	if r.RunningCount() != 0 {
		t.Fatalf("process registry not cleaned up after timeout")
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	cmd := writeScript(t, "cat > /dev/null\nexit 3")
	r := newTestRunner(t, cmd, 10*time.Second)

	result, err := r.Run(&domain.Agent{ID: "a1"}, "prompt", "s1", nil)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestRunnerSpawnFailure(t *testing.T) {
	r := newTestRunner(t, "/nonexistent/agent-cli", 10*time.Second)

	if _, err := r.Run(&domain.Agent{ID: "a1"}, "prompt", "s1", nil); err == nil {
		t.Fatal("expected spawn error")
	}
	if r.RunningCount() != 0 {
		t.Fatalf("process registry not cleaned up after spawn failure")
	}
}

func TestRunnerRejectsConcurrentTurn(t *testing.T) {
	cmd := writeScript(t, "exec sleep 10")
	r := newTestRunner(t, cmd, 10*time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(&domain.Agent{ID: "a1"}, "prompt", "s1", nil)
	}()

	waitForRunning(t, r, "s1")

	if _, err := r.Run(&domain.Agent{ID: "a1"}, "prompt", "s1", nil); err != ErrTurnInFlight {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	r.Stop("s1")
	<-done
}

func TestRunnerStopTerminatesProcess(t *testing.T) {
	cmd := writeScript(t, "exec sleep 10")
	r := newTestRunner(t, cmd, 10*time.Second)

	type outcome struct {
		result RunResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := r.Run(&domain.Agent{ID: "a1"}, "prompt", "s1", nil)
		ch <- outcome{result, err}
	}()

	waitForRunning(t, r, "s1")
	r.Stop("s1")

	select {
	case got := <-ch:
		if got.err != nil {
			t.Fatalf("stopped turn must resolve without error, got %v", got.err)
		}
		if got.result.ExitCode == 0 {
			t.Fatalf("expected non-zero exit code for terminated process")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if r.Running("s1") {
		t.Fatal("session still registered after stop")
	}
}

func TestRunnerSystemPromptTempFileCleanup(t *testing.T) {
	cmd := writeScript(t, "cat > /dev/null")
	tmpDir := t.TempDir()
	r := NewRunner(cmd, 10*time.Second, tmpDir)

	agent := &domain.Agent{ID: "a1", SystemPrompt: "You are terse."}
	if _, err := r.Run(agent, "prompt", "s1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	leftovers, err := filepath.Glob(filepath.Join(tmpDir, "sp-*.txt"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestRunnerSystemPromptReachesProcess(t *testing.T) {
	// The script prints the contents of the file named by --system-prompt.
	cmd := writeScript(t, `
while [ $# -gt 0 ]; do
  if [ "$1" = "--system-prompt" ]; then
    cat "$2"
    exit 0
  fi
  shift
done
exit 1`)
	r := newTestRunner(t, cmd, 10*time.Second)

	agent := &domain.Agent{ID: "a1", SystemPrompt: "You are terse."}
	result, err := r.Run(agent, "prompt", "s1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Output != "You are terse." {
		t.Fatalf("unexpected system prompt contents: %q", result.Output)
	}
}

func TestScrubEnv(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"CLAUDECODE=1",
		"CLAUDE_CODE_ENTRYPOINT=cli",
		"HOME=/root",
	}

	got := scrubEnv(env)
	if len(got) != 2 {
		t.Fatalf("expected 2 vars, got %v", got)
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			t.Fatalf("scrubbed var survived: %s", kv)
		}
	}
}

func waitForRunning(t *testing.T, r *Runner, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Running(sessionID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process never registered as running")
}
