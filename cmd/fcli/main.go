// Command fcli is the client-side entrypoint: it bootstraps (or finds)
// the coordinator daemon, submits one request, and renders its progress
// until the request reaches a terminal state (spec §4.1, §4.6 "Progress
// and display").
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/bootstrap"
	"github.com/arduino-build/coordinator/internal/config"
	"github.com/arduino-build/coordinator/internal/history"
	"github.com/arduino-build/coordinator/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true, Writer: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	port, err := ensureCoordinator(ctx, cfg, log)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reach coordinator: %v\n", err)
		os.Exit(1)
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd, args := os.Args[1], os.Args[2:]
	var runErr error
	switch cmd {
	case "build":
		runErr = runBuild(baseURL, args)
	case "deploy":
		runErr = runDeploy(baseURL, args)
	case "monitor":
		runErr = runMonitor(baseURL, args)
	case "install-deps":
		runErr = runInstallDeps(baseURL, args)
	case "status":
		runErr = runDaemonStatus(baseURL)
	case "locks":
		runErr = runLocksStatus(baseURL)
	case "shutdown":
		runErr = runShutdown(baseURL)
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fcli <build|deploy|monitor|install-deps|status|locks|shutdown> [flags]")
}

// ensureCoordinator runs the bootstrap protocol of spec §4.1, spawning
// coordinatord if no instance answers the health probe yet.
func ensureCoordinator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (int, error) {
	hist, err := history.Open(filepath.Join(cfg.StateDir, "history.db"))
	if err != nil {
		// History is diagnostic only; bootstrap proceeds without it
		// rather than blocking every client invocation on a database.
		log.Warn().Err(err).Msg("failed to open history store for spawn logging")
		hist = nil
	} else {
		defer hist.Close()
	}

	coordinatordPath, err := locateCoordinatord()
	if err != nil {
		return 0, err
	}

	waiter := bootstrap.New(cfg.StateDir, bootstrap.DefaultSpawner(coordinatordPath, nil), hist, log)
	return waiter.Ensure(ctx, cfg.DevMode)
}

// locateCoordinatord finds the daemon binary: first as a sibling of this
// executable (the normal installed layout), then on PATH.
func locateCoordinatord() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "coordinatord")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("coordinatord")
	if err != nil {
		return "", fmt.Errorf("locate coordinatord binary: %w", err)
	}
	return path, nil
}
