package device

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// UploadConfig describes one invocation of the external upload tool.
type UploadConfig struct {
	Argv              []string
	TotalTimeout      time.Duration // overall wall-clock budget
	InactivityTimeout time.Duration // forceful kill if no output for this long
}

// runUpload runs the upload tool under the two-level timeout of spec §4.8:
// a total wall-clock budget and an inactivity budget reset on every byte
// of output. Either deadline triggers a direct OS-level kill of the child
// (Process.Kill, not a cooperative signal the child could ignore) rather
// than the cmd abstraction's context-cancellation kill path.
func runUpload(ctx context.Context, cfg UploadConfig) error {
	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return coorderr.Wrap(coorderr.KindChildProcessNonzero, "open upload stdout", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return coorderr.Wrap(coorderr.KindChildProcessNonzero, "start upload tool", err)
	}

	activity := make(chan struct{}, 1)
	go drainAndSignal(stdout, activity)

	totalDeadline := time.NewTimer(cfg.TotalTimeout)
	defer totalDeadline.Stop()
	inactivity := time.NewTimer(cfg.InactivityTimeout)
	defer inactivity.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case err := <-done:
			if err != nil {
				return coorderr.Wrap(coorderr.KindChildProcessNonzero, "upload tool exited nonzero", err)
			}
			return nil
		case <-activity:
			if !inactivity.Stop() {
				<-inactivity.C
			}
			inactivity.Reset(cfg.InactivityTimeout)
		case <-inactivity.C:
			killChild(cmd)
			<-done
			return coorderr.New(coorderr.KindChildProcessInactive, "upload tool produced no output within the inactivity budget")
		case <-totalDeadline.C:
			killChild(cmd)
			<-done
			return coorderr.New(coorderr.KindChildProcessInactive, "upload tool exceeded its total wall-clock budget")
		case <-ctx.Done():
			killChild(cmd)
			<-done
			return ctx.Err()
		}
	}
}

// killChild terminates the child via the OS's direct process-kill
// primitive. Process.Kill sends SIGKILL on unix and TerminateProcess on
// windows — unlike Process.Signal(SIGTERM), the child cannot catch or
// ignore it.
func killChild(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func drainAndSignal(r io.Reader, activity chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}
}
