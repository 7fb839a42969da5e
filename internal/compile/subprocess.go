package compile

import "os/exec"

// newChildCommand builds an *exec.Cmd with the subprocess hygiene spec §4.7
// requires of every compiler invocation: stdin redirected to a null source
// (exec.Cmd's zero value already does this — a nil Stdin gives the child
// /dev/null-equivalent input, never the parent's terminal) and, on
// platforms that would otherwise pop a console window for a spawned
// child, that window suppressed (see subprocess_windows.go).
func newChildCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	hideConsoleWindow(cmd)
	return cmd
}
