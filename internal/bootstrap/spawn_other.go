//go:build !windows

package bootstrap

import (
	"os/exec"
	"syscall"
)

// detachProcAttr puts the child in its own session so it survives the
// spawning client exiting and never receives the terminal's signals.
func detachProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
