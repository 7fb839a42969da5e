// Package bootstrap implements the client-side half of spec §4.1: locate
// the coordinator, or become the one client responsible for spawning it,
// race-tolerantly against every other client invocation doing the same
// thing at the same moment.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/history"
)

const (
	portFileName = "coordinator.port"
	lockFileName = "coordinator.lock"

	pollInterval         = 150 * time.Millisecond
	perAttemptWaitWindow = 3 * time.Second
	waiterTimeout        = 12 * time.Second
)

// spawnDelays is the backoff schedule between spawn attempts (spec §4.1
// "retries up to three times with delays 0 / 500 ms / 2 s").
var spawnDelays = []time.Duration{0, 500 * time.Millisecond, 2 * time.Second}

func PortFilePath(stateDir string) string { return filepath.Join(stateDir, portFileName) }
func LockFilePath(stateDir string) string { return filepath.Join(stateDir, lockFileName) }

// ReadPortFile returns the port the coordinator most recently published.
func ReadPortFile(stateDir string) (int, error) {
	data, err := os.ReadFile(PortFilePath(stateDir))
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("bootstrap: malformed port file: %w", err)
	}
	return port, nil
}

// WritePortFile publishes the coordinator's listen port. Called by the
// daemon once its listener is bound.
func WritePortFile(stateDir string, port int) error {
	return os.WriteFile(PortFilePath(stateDir), []byte(strconv.Itoa(port)), 0o644)
}

// RemovePortFile clears the published port. Called by the daemon during
// graceful shutdown (spec §4.1 Eviction "removes its port file").
func RemovePortFile(stateDir string) error {
	err := os.Remove(PortFilePath(stateDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// HealthProber reports whether a coordinator listening on port is alive
// and answering. Production wiring hits the real HTTP endpoint; tests
// substitute a stub.
type HealthProber func(ctx context.Context, port int) bool

// ProbeHealth is the production HealthProber: a GET against the daemon
// status route (spec §6 "/api/daemon/status").
func ProbeHealth(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/api/daemon/status", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Spawner launches a detached coordinator process. DefaultSpawner
// provides the production implementation; tests substitute a stub that
// writes a port file directly instead of exec'ing a real binary.
type Spawner func(devMode bool) error

// Waiter drives one client's bootstrap attempt against a single state
// directory.
type Waiter struct {
	StateDir string
	Prober   HealthProber
	Spawn    Spawner
	Hist     *history.Store // optional; nil skips the history-store copy (spawn.log is written regardless)
	Log      zerolog.Logger
}

func New(stateDir string, spawn Spawner, hist *history.Store, log zerolog.Logger) *Waiter {
	return &Waiter{
		StateDir: stateDir,
		Prober:   ProbeHealth,
		Spawn:    spawn,
		Hist:     hist,
		Log:      log.With().Str("component", "bootstrap").Logger(),
	}
}

// Ensure runs the full protocol of spec §4.1 and returns the port of a
// live, healthy coordinator.
func (w *Waiter) Ensure(ctx context.Context, devMode bool) (int, error) {
	if port, ok := w.probeExisting(ctx); ok {
		return port, nil
	}

	ctx, cancel := context.WithTimeout(ctx, waiterTimeout)
	defer cancel()

	fl := flock.New(LockFilePath(w.StateDir))
	gotLock, err := fl.TryLock()
	if err != nil {
		return 0, fmt.Errorf("bootstrap: acquire singleton lock: %w", err)
	}
	if gotLock {
		defer fl.Unlock()
		return w.spawnAndWait(ctx, devMode)
	}
	return w.pollForCoordinator(ctx)
}

// spawnAndWait is the spawner's path: it owns the singleton lock and
// retries launching the coordinator on the spec's backoff schedule,
// accepting any coordinator that becomes healthy in the meantime —
// including one a racing client spawned first (spec §4.1 "Race
// tolerance").
func (w *Waiter) spawnAndWait(ctx context.Context, devMode bool) (int, error) {
	for i, delay := range spawnDelays {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("bootstrap: %w", ctx.Err())
		case <-time.After(delay):
		}

		if port, ok := w.probeExisting(ctx); ok {
			w.recordSpawn(delay, true, "observed coordinator from a concurrent spawn")
			return port, nil
		}

		err := w.Spawn(devMode)
		w.recordSpawn(delay, err == nil, spawnDetail(err))
		if err != nil {
			w.Log.Warn().Err(err).Int("attempt", i+1).Msg("spawn attempt failed")
			continue
		}

		if port, ok := w.awaitPublish(ctx, perAttemptWaitWindow); ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("bootstrap: coordinator did not become healthy after %d spawn attempts", len(spawnDelays))
}

// pollForCoordinator is the non-spawner path: poll the port file and
// health probe until one succeeds or the overall waiter timeout expires.
func (w *Waiter) pollForCoordinator(ctx context.Context) (int, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if port, ok := w.probeExisting(ctx); ok {
			return port, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("bootstrap: timed out waiting for coordinator: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// awaitPublish polls for up to window for the coordinator this waiter
// just spawned (or a racing one) to publish its port and answer healthy.
func (w *Waiter) awaitPublish(ctx context.Context, window time.Duration) (int, bool) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if port, ok := w.probeExisting(ctx); ok {
			return port, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-ticker.C:
		}
	}
}

func (w *Waiter) probeExisting(ctx context.Context) (int, bool) {
	port, err := ReadPortFile(w.StateDir)
	if err != nil {
		return 0, false
	}
	prober := w.Prober
	if prober == nil {
		prober = ProbeHealth
	}
	if !prober(ctx, port) {
		return 0, false
	}
	return port, true
}

func (w *Waiter) recordSpawn(delay time.Duration, ok bool, detail string) {
	if err := appendSpawnLog(w.StateDir, delay, ok, detail); err != nil {
		w.Log.Warn().Err(err).Msg("failed to append spawn log")
	}
	if w.Hist == nil {
		return
	}
	if err := w.Hist.RecordSpawnAttempt(delay, ok, detail); err != nil {
		w.Log.Warn().Err(err).Msg("failed to record spawn attempt")
	}
}

func spawnDetail(err error) string {
	if err == nil {
		return "spawned"
	}
	return err.Error()
}
