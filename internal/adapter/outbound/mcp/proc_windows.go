//go:build windows

package mcp

import "os/exec"

// setProcGroup is a no-op on Windows; process groups behave
// differently and the default handling suffices.
func setProcGroup(cmd *exec.Cmd) {}

// killProcessTree kills the child process directly.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
