package bootstrap

import (
	"fmt"
	"os/exec"
)

// DefaultSpawner launches execPath (the coordinator's own binary,
// re-invoked in daemon mode) as a detached child process with no
// inherited console or standard handles (spec §4.1 "launches the
// coordinator as a detached child process with no inherited console").
// detachProcAttr supplies the platform-specific half.
func DefaultSpawner(execPath string, extraArgs []string) Spawner {
	return func(devMode bool) error {
		// Flags go before the subcommand: coordinatord's flag parsing stops
		// at the first positional argument.
		args := append([]string{}, extraArgs...)
		if devMode {
			args = append(args, "--dev")
		}
		args = append(args, "serve")
		cmd := exec.Command(execPath, args...)
		detachProcAttr(cmd)

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("spawn coordinator: %w", err)
		}
		// The spawner doesn't wait on or manage the child's lifetime past
		// this point; it's a daemon, not a subprocess of this invocation.
		return cmd.Process.Release()
	}
}
