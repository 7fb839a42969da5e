// Package progressview is the client CLI's live progress renderer: it
// turns a stream of per-item status updates (package installs,
// translation-unit compiles) into either a full-screen bubbletea display
// on an interactive terminal, or a plain scrolling log on a pipe or CI
// runner (spec §4.6 "Progress and display").
package progressview

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// ItemState is the lifecycle state of one tracked item (a package
// install or a translation-unit compile).
type ItemState string

const (
	StatePending   ItemState = "pending"
	StateRunning   ItemState = "running"
	StateDone      ItemState = "done"
	StateSkipped   ItemState = "skipped"
	StateFailed    ItemState = "failed"
	StateCancelled ItemState = "cancelled"
)

// Update is one status change for a named item. Pct is -1 when the item
// doesn't report fractional progress (most compiles go straight from
// running to done); Detail is free-text status matching what
// internal/pipeline's Task.Progress and internal/compile's Job surface.
type Update struct {
	Name   string
	State  ItemState
	Detail string
	Pct    int
}

// Terminal reports whether the state ends the item's lifecycle.
func (s ItemState) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Run consumes updates until the channel closes, rendering to out. It
// picks the bubbletea full-screen view when out is an interactive
// terminal, and a plain line-per-event log otherwise — a non-TTY
// destination is always a pipe, log file, or CI runner, none of which
// can usefully redraw in place.
func Run(ctx context.Context, out io.Writer, updates <-chan Update) error {
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return runTea(ctx, f, updates, os.Stdin)
	}
	return runPlain(ctx, out, updates)
}
