//go:build !windows

package compile

import "os/exec"

// No console windows to suppress outside Windows.
func hideConsoleWindow(cmd *exec.Cmd) {}
