//go:build windows

package procsup

import "os/exec"

// terminateGraceful has no graceful-signal equivalent on Windows; the
// forceful Process.Kill() in killGracefulThenForce is the only exit here.
func terminateGraceful(cmd *exec.Cmd) {}
