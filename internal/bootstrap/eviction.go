package bootstrap

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// IdleEvictor watches for the coordinator going idle — no active
// requests and no held locks — and fires shutdown after the configured
// window elapses continuously idle (spec §4.1 Eviction). Grounded on the
// teacher's ticker-plus-stop-channel scheduler loop shape.
type IdleEvictor struct {
	window   time.Duration
	active   func() int
	locks    func() int
	shutdown func()
	log      zerolog.Logger
}

// NewIdleEvictor builds an evictor. active and locks report current
// counts; shutdown is called exactly once when the idle window elapses.
// A non-positive window disables eviction entirely.
func NewIdleEvictor(window time.Duration, active, locks func() int, shutdown func(), log zerolog.Logger) *IdleEvictor {
	return &IdleEvictor{
		window:   window,
		active:   active,
		locks:    locks,
		shutdown: shutdown,
		log:      log.With().Str("component", "idle_evictor").Logger(),
	}
}

// Run blocks until ctx is cancelled or the idle window elapses, in which
// case it calls shutdown once and returns.
func (e *IdleEvictor) Run(ctx context.Context) {
	if e.window <= 0 {
		return
	}

	interval := time.Second
	if e.window < interval {
		interval = e.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.active() == 0 && e.locks() == 0 {
				if idleSince.IsZero() {
					idleSince = time.Now()
				}
				if time.Since(idleSince) >= e.window {
					e.log.Info().Dur("idle_window", e.window).Msg("idle window elapsed, shutting down")
					e.shutdown()
					return
				}
			} else {
				idleSince = time.Time{}
			}
		}
	}
}
