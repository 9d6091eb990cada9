//go:build !windows

package procsup

import (
	"os/exec"
	"syscall"
)

// terminateGraceful sends SIGTERM; killGracefulThenForce escalates to
// SIGKILL after the grace period if the child hasn't exited.
func terminateGraceful(cmd *exec.Cmd) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
}
