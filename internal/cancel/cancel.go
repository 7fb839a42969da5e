// Package cancel implements the dual-channel cancellation registry of spec
// §4.4: a request is cancelled either by an explicit signal (a sentinel file
// dropped into the coordinator's state directory) or because its owning
// client process has died. Checks are polled at checkpoints, never
// preemptive, and cached briefly so a tight loop's repeated checks are
// effectively free.
package cancel

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const cacheTTL = 100 * time.Millisecond

// entry tracks one request's cancellation state and the short-lived cache.
type entry struct {
	callerPID  int
	signalled  bool
	cachedAt   time.Time
	cachedYes  bool
}

// Registry is the dual-channel cancellation tracker. One Registry serves
// the whole coordinator process; requests register and deregister as they
// start and finish.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*entry
	stateDir string
	log      zerolog.Logger
}

// New creates a Registry rooted at stateDir (spec §6 "cancel signal files").
func New(log zerolog.Logger, stateDir string) *Registry {
	return &Registry{
		requests: make(map[string]*entry),
		stateDir: stateDir,
		log:      log.With().Str("component", "cancel").Logger(),
	}
}

// Register begins tracking a request owned by callerPID.
func (r *Registry) Register(requestID string, callerPID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[requestID] = &entry{callerPID: callerPID}
}

// Deregister stops tracking a request and removes any cancel signal file
// left for it, as the dispatcher does on every exit path (spec §4.5 step 6).
func (r *Registry) Deregister(requestID string) {
	r.mu.Lock()
	delete(r.requests, requestID)
	r.mu.Unlock()

	_ = os.Remove(r.signalPath(requestID))
}

// Signal delivers an explicit cancel for requestID: it writes the sentinel
// file and invalidates the cached answer immediately so the very next
// checkpoint observes cancellation.
func (r *Registry) Signal(requestID string) error {
	if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(r.signalPath(requestID), []byte{}, 0o644); err != nil {
		return err
	}

	r.mu.Lock()
	if e, ok := r.requests[requestID]; ok {
		e.signalled = true
		e.cachedAt = time.Time{}
	}
	r.mu.Unlock()

	r.log.Debug().Str("request_id", requestID).Msg("cancel signal delivered")
	return nil
}

func (r *Registry) signalPath(requestID string) string {
	return filepath.Join(r.stateDir, "cancel-"+requestID)
}

// Cancelled answers "is request R cancelled?" per spec §4.4: true if an
// explicit signal file exists for it, or if its owning client pid is no
// longer alive. The answer is cached for cacheTTL per request.
func (r *Registry) Cancelled(requestID string) bool {
	r.mu.Lock()
	e, ok := r.requests[requestID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if time.Since(e.cachedAt) < cacheTTL {
		cached := e.cachedYes
		r.mu.Unlock()
		return cached
	}
	callerPID := e.callerPID
	signalled := e.signalled
	r.mu.Unlock()

	cancelled := signalled
	if !cancelled {
		if _, err := os.Stat(r.signalPath(requestID)); err == nil {
			cancelled = true
		}
	}
	if !cancelled && callerPID > 0 {
		alive, err := process.PidExists(int32(callerPID))
		if err == nil && !alive {
			cancelled = true
		}
	}

	r.mu.Lock()
	if e, ok := r.requests[requestID]; ok {
		e.cachedAt = time.Now()
		e.cachedYes = cancelled
		if cancelled {
			e.signalled = true
		}
	}
	r.mu.Unlock()

	return cancelled
}

// PidAlive adapts gopsutil's liveness check to lockmgr.PidAlive, so the
// lock manager's clear_stale() shares the exact same liveness definition
// the cancellation registry uses.
func PidAlive(pid int) bool {
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}
