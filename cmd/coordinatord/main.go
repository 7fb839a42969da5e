// Command coordinatord is the coordinator daemon (spec §4.1): the long
// lived background process every client bootstraps against. It is never
// launched directly by a user — internal/bootstrap's Spawner re-invokes
// this same binary with "serve" the first time a client needs it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arduino-build/coordinator/internal/bootstrap"
	"github.com/arduino-build/coordinator/internal/cancel"
	"github.com/arduino-build/coordinator/internal/compile"
	"github.com/arduino-build/coordinator/internal/config"
	"github.com/arduino-build/coordinator/internal/device"
	"github.com/arduino-build/coordinator/internal/dispatcher"
	"github.com/arduino-build/coordinator/internal/endpoint"
	"github.com/arduino-build/coordinator/internal/events"
	"github.com/arduino-build/coordinator/internal/history"
	"github.com/arduino-build/coordinator/internal/lockmgr"
	"github.com/arduino-build/coordinator/internal/logging"
	"github.com/arduino-build/coordinator/internal/pipeline"
)

func main() {
	devMode := flag.Bool("dev", false, "run against the development state directory and port")
	portOverride := flag.Int("port", 0, "listen port override; 0 uses the config default")
	cacheDir := flag.String("cache-dir", "", "package cache directory override")
	flag.Parse()

	if flag.Arg(0) != "" && flag.Arg(0) != "serve" {
		fmt.Fprintf(os.Stderr, "unknown subcommand %q; coordinatord only implements \"serve\"\n", flag.Arg(0))
		os.Exit(2)
	}

	if *devMode {
		os.Setenv("ARDUINO_COORD_DEV", "true")
	}
	cfg, err := config.Load(*cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portOverride != 0 {
		cfg.Port = *portOverride
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: false})
	log.Info().Bool("dev", cfg.DevMode).Int("port", cfg.Port).Str("state_dir", cfg.StateDir).Msg("starting coordinator")

	hist, err := history.Open(filepath.Join(cfg.StateDir, "history.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history store")
	}
	defer hist.Close()

	locks := lockmgr.New(log, cancel.PidAlive)
	cancels := cancel.New(log, cfg.StateDir)
	pool := compile.NewShared(log)
	pool.Start()
	defer pool.Stop()
	bus := events.NewBus(log)
	devices := device.New(openSerialPort, log)

	disp := dispatcher.New(locks, cancels, pool, hist, bus, log)

	buildDir := filepath.Join(cfg.CacheDir, "build")
	workDir := filepath.Join(cfg.CacheDir, "work")
	for _, dir := range []string{buildDir, workDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create working directory")
		}
	}

	routes := buildRoutes(routeDeps{
		pool:     pool,
		devices:  devices,
		cancels:  cancels,
		cache:    pipeline.NewCache(cfg.CacheDir),
		index:    pipeline.NewIndexCache(5*time.Minute, pipeline.FetchHTTPIndex),
		workDir:  workDir,
		buildDir: buildDir,
	})

	janitor := pipeline.NewJanitor(workDir, time.Hour, log)
	if err := janitor.Start("@every 1h"); err != nil {
		log.Warn().Err(err).Msg("failed to start cache janitor")
	}
	defer janitor.Stop()

	srv := endpoint.New(disp, devices, locks, os.Getpid(), log).WithRoutes(routes)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		log.Fatal().Err(err).Int("port", cfg.Port).Msg("failed to bind listener")
	}

	if err := bootstrap.WritePortFile(cfg.StateDir, cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to publish port file")
	}
	defer bootstrap.RemovePortFile(cfg.StateDir)

	httpSrv := &http.Server{Handler: srv}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listener failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("coordinator listening")

	ctx, stopEviction := context.WithCancel(context.Background())
	shutdownOnce := make(chan struct{})
	triggerShutdown := func() {
		select {
		case <-shutdownOnce:
		default:
			close(shutdownOnce)
		}
	}

	evictor := bootstrap.NewIdleEvictor(
		time.Duration(cfg.IdleEvictionSeconds)*time.Second,
		func() int { return len(locks.Status()) }, // proxy for active-request count; a held lock always implies an in-flight request
		func() int { return len(locks.Status()) },
		triggerShutdown,
		log,
	)
	go evictor.Run(ctx)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := locks.ClearStale(); n > 0 {
					log.Warn().Int("cleared", n).Msg("cleared stale locks from dead owners")
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info().Msg("received shutdown signal")
	case <-shutdownOnce:
		log.Info().Msg("idle window elapsed")
	}

	stopEviction()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	srv.Shutdown(2 * time.Second)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced listener shutdown")
	}
	log.Info().Msg("coordinator stopped")
}
