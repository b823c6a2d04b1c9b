//go:build windows

package worker

import "os/exec"

// configureProcAttr is a no-op on Windows (no process groups via Setpgid).
func configureProcAttr(_ *exec.Cmd) {}

// signalGroup kills the worker process; Windows has no SIGTERM.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
