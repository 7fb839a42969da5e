// Package buildctx carries per-request ambient state — start time,
// verbosity, log stream — across every task a request spawns, including
// tasks dispatched onto shared worker pools (spec §9 "Process-wide mutable
// state for output context"). It is deliberately not a process-global: a
// Context is created once per request and passed explicitly into every
// closure handed to a worker pool so two requests interleaving on the same
// pool threads never observe each other's verbosity or log destination.
package buildctx

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Context is one request's isolated output context.
type Context struct {
	RequestID string
	StartedAt time.Time
	Verbose   bool
	Log       zerolog.Logger
}

// New creates a Context scoped to requestID. w is the request's own log
// destination (a per-request log file, typically); if nil, logs go to the
// parent logger's existing writer.
func New(parent zerolog.Logger, requestID string, verbose bool, w io.Writer) *Context {
	log := parent.With().Str("request_id", requestID).Logger()
	if w != nil {
		level := log.GetLevel()
		log = zerolog.New(w).Level(level).With().Timestamp().Str("request_id", requestID).Logger()
	}
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	}
	return &Context{
		RequestID: requestID,
		StartedAt: time.Now(),
		Verbose:   verbose,
		Log:       log,
	}
}

// Elapsed returns the time since the context was created, for age_ms-style
// status reporting.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}

// WithComponent narrows the context's logger to a named component without
// mutating the shared Context value, so callers can fan out a scoped
// logger to a helper without affecting siblings.
func (c *Context) WithComponent(name string) zerolog.Logger {
	return c.Log.With().Str("component", name).Logger()
}

// Capture binds a Context into a niladic closure so it can be handed to a
// shared worker pool and reinstated before the pool invokes the callback,
// without the pool itself needing to know about request-scoped state.
func Capture(c *Context, fn func(*Context)) func() {
	return func() {
		fn(c)
	}
}
