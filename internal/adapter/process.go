package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// ParamEnvPrefix prefixes every task parameter exported to child processes.
const ParamEnvPrefix = "TASKCHAIN_PARAM_"

// setVariablePrefix marks stdout lines that publish a chain variable: "::set name=value".
const setVariablePrefix = "::set "

// newCommand creates an exec.Cmd bound to ctx and isolated in its own process group,
// so the whole subprocess tree can be terminated on cancellation.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	isolateProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// prepareCommand applies working directory and environment to cmd.
func prepareCommand(cmd *exec.Cmd, cfg Config, params Params) {
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(cfg.Env, params)
}

// buildEnv layers cfg env and params (as TASKCHAIN_PARAM_KEY) over the parent environment.
func buildEnv(extra map[string]string, params Params) []string {
	env := os.Environ()
	for _, k := range sortedKeys(extra) {
		env = append(env, k+"="+extra[k])
	}
	for _, k := range sortedKeys(params) {
		env = append(env, ParamEnvPrefix+strings.ToUpper(k)+"="+params[k])
	}
	return env
}

// expandArgs replaces "{{key}}" placeholders in args with params values in a
// single pass; placeholders inside substituted values are left as they are.
func expandArgs(args []string, params Params) []string {
	pairs := make([]string, 0, 2*len(params))
	for _, k := range sortedKeys(params) {
		pairs = append(pairs, "{{"+k+"}}", params[k])
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = r.Replace(arg)
	}
	return out
}

// executeCommand runs cmd to completion and returns stdout, stderr and the exit error.
// Both pipes are drained concurrently before cmd.Wait, so large outputs cannot deadlock.
// The ProcessManager is optional.
func executeCommand(cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, strings.TrimSpace(string(stderr)))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, nil
}

// runToOutcome executes cmd and converts its result into an Outcome.
// A context error takes precedence over the exit error so timeouts are reported as such.
func runToOutcome(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (Outcome, error) {
	stdout, _, err := executeCommand(cmd, pm)
	outcome := Outcome{
		Output:    string(stdout),
		ExitCode:  exitCode(cmd),
		Variables: parseVariables(stdout),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, ctxErr
	}
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// parseVariables extracts "::set name=value" lines from process output.
func parseVariables(out []byte) map[string]string {
	var vars map[string]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, setVariablePrefix) {
			continue
		}
		name, value, ok := strings.Cut(strings.TrimPrefix(line, setVariablePrefix), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		if vars == nil {
			vars = make(map[string]string)
		}
		vars[name] = value
	}
	return vars
}

// lookPath verifies that a binary can be run, either as a path or through PATH.
func lookPath(name string) error {
	if name == "" {
		return errors.New("no command configured")
	}
	if strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, "/") {
		if _, err := os.Stat(name); err != nil {
			return fmt.Errorf("command %q not found: %w", name, err)
		}
		return nil
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("command %q not found in PATH: %w", name, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ProcessManager tracks running subprocesses so they can all be terminated on shutdown.
//
// Usage pattern (typically in main):
//
//	pm := NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//	  <-ctx.Done()
//	  pm.KillAll()
//	}()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess once it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
