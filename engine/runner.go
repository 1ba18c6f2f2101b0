package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/arcdash/arc/domain"
)

// Environment variables stripped from the child process so the wrapped
// CLI does not detect it is running inside one of its own sessions.
var scrubbedEnvVars = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

// ErrTurnInFlight is returned when a session already has a live process.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// RunResult is the outcome of one agent turn.
type RunResult struct {
	Output   string
	ExitCode int
}

// ChunkSink receives stdout chunks as they arrive from the agent process.
type ChunkSink func(chunk string)

// Runner executes agent turns as external CLI processes. Each turn is one
// process, tracked by session id so it can be stopped on demand.
type Runner struct {
	command string
	timeout time.Duration
	tmpDir  string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewRunner creates a Runner that launches the given command with the
// given per-turn wall-clock timeout. Temp files (system prompts) live
// under tmpDir.
func NewRunner(command string, timeout time.Duration, tmpDir string) *Runner {
	return &Runner{
		command: command,
		timeout: timeout,
		tmpDir:  tmpDir,
		procs:   make(map[string]*exec.Cmd),
	}
}

// Run executes one agent turn. The prompt is delivered over stdin, which
// is closed immediately after writing; the wrapped CLI hangs on an open
// stdin, so this must hold on every path. Stdout is streamed to onChunk
// while also buffered for the final result; stderr only reaches the log.
//
// A timeout or non-zero exit is an expected outcome and returns a normal
// result. The only error return is a spawn failure.
func (r *Runner) Run(agent *domain.Agent, prompt, sessionID string, onChunk ChunkSink) (RunResult, error) {
	maxTurns := agent.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	args := []string{"--print", "--output-format", "text", "--max-turns", strconv.Itoa(maxTurns)}

	// System prompt goes through a temp file, not argv: shell quoting and
	// argv length limits make long prompts unsafe on the command line.
	tmpFile := ""
	if agent.SystemPrompt != "" {
		if err := os.MkdirAll(r.tmpDir, 0o755); err != nil {
			return RunResult{}, fmt.Errorf("failed to create temp dir: %w", err)
		}
		tmpFile = filepath.Join(r.tmpDir, "sp-"+uuid.New().String()+".txt")
		if err := os.WriteFile(tmpFile, []byte(agent.SystemPrompt), 0o600); err != nil {
			return RunResult{}, fmt.Errorf("failed to write system prompt: %w", err)
		}
		args = append(args, "--system-prompt", tmpFile)
	}

	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}
	for _, tool := range agent.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	args = append(args, "-")

	cmd := exec.Command(r.command, args...)
	if agent.WorkingDir != "" {
		cmd.Dir = agent.WorkingDir
	}
	cmd.Env = scrubEnv(os.Environ())

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		removeTempFile(tmpFile)
		return RunResult{}, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeTempFile(tmpFile)
		return RunResult{}, fmt.Errorf("failed to open stdout: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.procs[sessionID]; exists {
		r.mu.Unlock()
		removeTempFile(tmpFile)
		return RunResult{}, ErrTurnInFlight
	}
	r.procs[sessionID] = cmd
	r.mu.Unlock()

	var timedOut atomic.Bool
	var cleanupOnce sync.Once
	var timer *time.Timer

	// Every exit path funnels through here exactly once: registry entry,
	// temp file and timeout timer all go away together.
	cleanup := func() {
		cleanupOnce.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			r.mu.Lock()
			delete(r.procs, sessionID)
			r.mu.Unlock()
			removeTempFile(tmpFile)
		})
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return RunResult{}, fmt.Errorf("failed to start agent process: %w", err)
	}

	go func() {
		if _, err := stdin.Write([]byte(prompt)); err != nil {
			log.Printf("WARN: failed to write prompt to agent stdin: %v", err)
		}
		stdin.Close()
	}()

	timer = time.AfterFunc(r.timeout, func() {
		timedOut.Store(true)
		log.Printf("WARN: agent turn for session %s exceeded %s, killing process", sessionID, r.timeout)
		cmd.Process.Kill()
	})

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
			if onChunk != nil {
				onChunk(string(buf[:n]))
			}
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	cleanup()

	if stderr.Len() > 0 {
		log.Printf("WARN: agent stderr (session %s): %s", sessionID, strings.TrimSpace(stderr.String()))
	}

	if timedOut.Load() {
		return RunResult{
			Output:   fmt.Sprintf("(agent timed out after %s)", r.timeout),
			ExitCode: -1,
		}, nil
	}

	result := RunResult{Output: strings.TrimSpace(out.String())}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			log.Printf("WARN: agent process exited with code %d (session %s)", result.ExitCode, sessionID)
		} else {
			return result, fmt.Errorf("agent process failed: %w", waitErr)
		}
	}
	return result, nil
}

// Stop sends SIGTERM to the live process for a session, if any. It does
// not resolve the pending Run call; the process exit path does that.
func (r *Runner) Stop(sessionID string) {
	r.mu.Lock()
	cmd := r.procs[sessionID]
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("WARN: failed to signal agent process for session %s: %v", sessionID, err)
		}
	}
}

// RunningCount returns the number of live agent processes.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Running reports whether a session has a live process.
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[sessionID]
	return ok
}

func scrubEnv(env []string) []string {
	out := env[:0:0]
	for _, kv := range env {
		scrubbed := false
		for _, name := range scrubbedEnvVars {
			if strings.HasPrefix(kv, name+"=") {
				scrubbed = true
				break
			}
		}
		if !scrubbed {
			out = append(out, kv)
		}
	}
	return out
}

func removeTempFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN: failed to remove temp file %s: %v", path, err)
	}
}
