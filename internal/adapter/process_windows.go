//go:build windows

package adapter

import (
	"fmt"
	"os/exec"
)

func isolateProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the process. Windows has no process groups in the
// POSIX sense; child processes of scripts must exit on their own.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return cmd.Process.Kill()
}
