// Package logging wraps zerolog with the coordinator's conventions: a single
// constructor that every subsystem calls once, then narrows via With().
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of zerolog's level strings ("debug", "info", "warn", "error").
	// An unrecognized value falls back to "info".
	Level string
	// Pretty enables the human-readable console writer. Coordinator daemons
	// run with Pretty=false in production so logs are one JSON object per line.
	Pretty bool
	// Writer overrides the output sink. Defaults to os.Stderr.
	Writer io.Writer
}

// New builds a zerolog.Logger per Config.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Writer != nil {
		w = cfg.Writer
	}

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
