// Package config resolves coordinator configuration from, in priority
// order, an explicit CLI override, environment variables, and finally a
// computed default — the same precedence and "resolve to absolute, create
// if missing" behavior the teacher applies to its data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	prodPort = 8765
	devPort  = 8865
)

// Config holds everything the coordinator daemon and its clients need to
// agree on in order to find each other.
type Config struct {
	// DevMode selects the development state directory and port instead of
	// the production ones, so the two modes never collide (spec §4.1 Ports).
	DevMode bool

	// Port is the coordinator's HTTP/WebSocket listen port. Defaults to
	// 8765 in production, 8865 in development, overridable by
	// ARDUINO_COORD_PORT.
	Port int

	// StateDir holds the port file, singleton lock, spawn log, and cancel
	// signal files (spec §6 "State layout on disk").
	StateDir string

	// CacheDir holds the content-addressed package tree (spec §6).
	CacheDir string

	// LogLevel is a zerolog level string.
	LogLevel string

	// IdleEvictionSeconds is the window, in seconds, after which the coordinator exits
	// voluntarily when idle (spec §4.1 Eviction). Zero disables eviction.
	IdleEvictionSeconds int
}

// Load resolves configuration. cacheDirOverride, if non-empty, is a CLI flag
// value that takes precedence over ARDUINO_COORD_CACHE_DIR.
func Load(cacheDirOverride ...string) (*Config, error) {
	_ = godotenv.Load() // optional .env in the working directory; ignore absence

	devMode := parseBool(os.Getenv("ARDUINO_COORD_DEV"), false)

	port := prodPort
	if devMode {
		port = devPort
	}
	if v := os.Getenv("ARDUINO_COORD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	stateDir, err := resolveStateDir(devMode)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	cacheDir := ""
	if len(cacheDirOverride) > 0 && cacheDirOverride[0] != "" {
		cacheDir = cacheDirOverride[0]
	} else if v := os.Getenv("ARDUINO_COORD_CACHE_DIR"); v != "" {
		cacheDir = v
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cacheDir = filepath.Join(home, ".arduino-coordinator", "cache")
	}
	cacheDir, err = filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	idleSeconds := 10
	if v := os.Getenv("ARDUINO_COORD_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			idleSeconds = n
		}
	}

	return &Config{
		DevMode:             devMode,
		Port:                port,
		StateDir:            stateDir,
		CacheDir:            cacheDir,
		LogLevel:            logLevel,
		IdleEvictionSeconds: idleSeconds,
	}, nil
}

func resolveStateDir(devMode bool) (string, error) {
	if v := os.Getenv("ARDUINO_COORD_STATE_DIR"); v != "" {
		return filepath.Abs(v)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	sub := "prod"
	if devMode {
		sub = "dev"
	}
	return filepath.Abs(filepath.Join(home, ".arduino-coordinator", sub))
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
