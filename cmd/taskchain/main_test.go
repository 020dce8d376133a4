//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskchain/internal/adapter"
	"github.com/aristath/taskchain/internal/scheduler"
)

const shellChain = `
name: smoke
adapters:
  shell:
    type: executable
    command: sh
    args: ["-c", "{{cmd}}"]
tasks:
  - id: login
    adapter: shell
    params:
      cmd: "echo ::set token=abc"
  - id: collect
    adapter: shell
    depends_on: [login]
    params:
      cmd: "echo got-$TASKCHAIN_PARAM_TOKEN"
      token: "${variables.token}"
`

const failingChain = `
name: broken
adapters:
  shell:
    type: executable
    command: sh
    args: ["-c", "{{cmd}}"]
tasks:
  - id: fail
    adapter: shell
    params:
      cmd: "exit 3"
  - id: after
    adapter: shell
    depends_on: [fail]
    params:
      cmd: "echo unreachable"
`

type cli struct {
	t    *testing.T
	dir  string
	db   string
	home string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	require.NoError(t, os.MkdirAll(home, 0o755))
	t.Setenv("HOME", home)
	t.Chdir(dir)
	return &cli{t: t, dir: dir, db: filepath.Join(dir, "history.db"), home: home}
}

func (c *cli) writeChain(name, content string) string {
	c.t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(c.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--db", c.db, "--log-level", "disabled"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRunCommand_JSONReportAndHistory(t *testing.T) {
	c := newCLI(t)
	chain := c.writeChain("smoke.yaml", shellChain)

	out, err := c.run("run", chain, "--json")
	require.NoError(t, err)

	var report scheduler.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, scheduler.ChainCompleted, report.Outcome)
	assert.Equal(t, "abc", report.Variables["token"])

	collect, ok := report.Task("collect")
	require.True(t, ok)
	assert.Contains(t, collect.Output, "got-abc")

	out, err = c.run("history")
	require.NoError(t, err)
	assert.Contains(t, out, report.RunID)

	out, err = c.run("show", report.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "collect")
	assert.Contains(t, out, string(scheduler.ChainCompleted))

	out, err = c.run("show", report.RunID, "--csv")
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "task_id", rows[0][0])
	assert.Equal(t, []string{"login", "collect"}, []string{rows[1][0], rows[2][0]})
	assert.Equal(t, string(scheduler.TaskCompleted), rows[2][3])

	_, err = c.run("show", report.RunID, "--csv", "--json")
	assert.Error(t, err)

	out, err = c.run("history", "smoke", "--task", "collect")
	require.NoError(t, err)
	assert.Contains(t, out, report.RunID)

	_, err = c.run("delete", report.RunID)
	require.NoError(t, err)
	_, err = c.run("show", report.RunID)
	assert.Error(t, err)
}

func TestRunCommand_FailedChainExitCode(t *testing.T) {
	c := newCLI(t)
	chain := c.writeChain("broken.yaml", failingChain)

	out, err := c.run("run", chain)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "dependency_failed")
	assert.Contains(t, err.Error(), string(scheduler.ChainCompletedWithFailures))
}

func TestRunCommand_VarFlag(t *testing.T) {
	c := newCLI(t)
	chain := c.writeChain("echo.yaml", `
name: echo
adapters:
  shell: {type: executable, command: sh, args: ["-c", "{{cmd}}"]}
tasks:
  - id: greet
    adapter: shell
    params:
      cmd: "echo hello-$TASKCHAIN_PARAM_WHO"
      who: "${variables.who}"
`)

	out, err := c.run("run", chain, "--json", "--no-history", "--var", "who=world")
	require.NoError(t, err)

	var report scheduler.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	greet, _ := report.Task("greet")
	assert.Contains(t, greet.Output, "hello-world")
	assert.NoFileExists(t, c.db)
}

func TestRunCommand_VarFlagOverridesDeclaredVariable(t *testing.T) {
	c := newCLI(t)
	chain := c.writeChain("echo.yaml", `
name: echo
variables:
  who: default
adapters:
  shell: {type: executable, command: sh, args: ["-c", "{{cmd}}"]}
tasks:
  - id: greet
    adapter: shell
    params:
      cmd: "echo hello-$TASKCHAIN_PARAM_WHO"
      who: "${variables.who}"
`)

	out, err := c.run("run", chain, "--json", "--no-history", "--var", "who=world")
	require.NoError(t, err)

	var report scheduler.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	greet, _ := report.Task("greet")
	assert.Contains(t, greet.Output, "hello-world")
	assert.NotContains(t, greet.Output, "default")
	assert.Equal(t, "world", report.Variables["who"])
}

func TestValidateCommand(t *testing.T) {
	c := newCLI(t)
	chain := c.writeChain("smoke.yaml", shellChain)

	out, err := c.run("validate", chain)
	require.NoError(t, err)
	assert.Contains(t, out, "login -> collect")

	cyclic := c.writeChain("cyclic.yaml", `
name: cyclic
adapters:
  shell: {type: executable, command: sh}
tasks:
  - {id: a, adapter: shell, depends_on: [b]}
  - {id: b, adapter: shell, depends_on: [a]}
`)
	_, err = c.run("validate", cyclic)
	assert.ErrorIs(t, err, scheduler.ErrCycle)

	unknown := c.writeChain("unknown.yaml", `
name: unknown
tasks:
  - {id: a, adapter: nope}
`)
	_, err = c.run("validate", unknown)
	assert.ErrorIs(t, err, adapter.ErrUnknownAdapter)
}

func TestRootCommand_RejectsInvalidLogLevel(t *testing.T) {
	c := newCLI(t)
	chain := c.writeChain("smoke.yaml", shellChain)

	cmd := RootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", chain, "--db", c.db, "--log-level", "loud"})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestConfigInit(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("config", "init", "--project")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(c.dir, ".taskchain", "config.yaml"))

	_, err = c.run("config", "init", "--project")
	assert.Error(t, err)

	_, err = c.run("config", "init", "--project", "--force")
	assert.NoError(t, err)

	out, err := c.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "autohotkey")
}

// TestProcessManagerKillAllOnShutdown verifies that KillAll terminates
// tracked processes the way the run command does on shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := adapter.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		assert.Error(t, err, "process should have been killed")
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed within 5 seconds")
	}
}
