package device

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// maxCrashLoopAttempts bounds the recovery loop for devices stuck in a
// rapid reboot cycle (spec §4.8 "up to ~20 attempts").
const maxCrashLoopAttempts = 20

// AttemptFunc performs a single upload attempt, returning nil once a
// connection establishes and the upload completes.
type AttemptFunc func(attempt int) error

// uploadWithRecovery wraps attempt in the short-attempt recovery loop of
// spec §4.8: up to maxCrashLoopAttempts tries with a randomized 100-1500ms
// gap between them, exiting as soon as one succeeds. Every attempt is
// logged — this is a documented recovery strategy, not a silent retry.
func uploadWithRecovery(ctx context.Context, log zerolog.Logger, attempt AttemptFunc) error {
	var lastErr error
	for i := 1; i <= maxCrashLoopAttempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := attempt(i)
		if err == nil {
			log.Info().Int("attempt", i).Msg("upload succeeded after crash-loop recovery")
			return nil
		}
		lastErr = err
		log.Warn().Int("attempt", i).Err(err).Msg("upload attempt failed, retrying")

		gap := time.Duration(100+rand.Intn(1401)) * time.Millisecond
		select {
		case <-time.After(gap):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return coorderr.Wrap(coorderr.KindChildProcessNonzero, "device never established a connection within the crash-loop recovery budget", lastErr)
}
