// Package lockmgr is the coordinator's only cross-process synchronization
// primitive (spec §4.3): named, in-memory, exclusive locks with lease ids
// and an optional preemption policy. None of these locks is file-based —
// lock files are fragile across platforms and leave zombies behind after a
// crash. The one lock file in the codebase is internal/bootstrap's
// singleton lock, which only decides which client spawns the coordinator.
package lockmgr

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Policy controls what acquire does when the name is already held.
type Policy string

const (
	// PolicyBlock returns ErrWouldBlock immediately when contended.
	PolicyBlock Policy = "block"
	// PolicyPreempt notifies the current owner and reassigns the lock.
	PolicyPreempt Policy = "preempt"
)

// PidAlive reports whether a process id is still alive. Overridable in
// tests; production wiring plugs in the gopsutil-backed liveness check
// shared with the cancellation registry.
type PidAlive func(pid int) bool

// Lock is a single held resource (spec §4.1 "Lock").
type Lock struct {
	Name        string
	OwnerPID    int
	LeaseID     string
	AcquiredAt  time.Time
	Policy      Policy
}

// PreemptNotice is delivered to a preempted owner so it can release
// cooperatively (spec §4.8) rather than be killed outright.
type PreemptNotice struct {
	Name       string
	NewOwner   int
	NewLeaseID string
}

// Manager holds every live lock. Acquire/Release are short, serialized
// critical sections (spec §4.9 "Locks: the lock manager itself is
// internally serialized").
type Manager struct {
	mu    sync.Mutex
	locks map[string]*Lock
	// preempted holds the WatchPreemption subscribers of each lock name;
	// each receives a notice whenever that lock is forcibly reassigned.
	preempted map[string][]chan PreemptNotice
	alive     PidAlive
	log       zerolog.Logger
}

// New creates a Manager. alive defaults to a liveness check that always
// reports true if nil is passed (useful only in isolated unit tests that
// don't exercise clear_stale).
func New(log zerolog.Logger, alive PidAlive) *Manager {
	if alive == nil {
		alive = func(int) bool { return true }
	}
	return &Manager{
		locks:     make(map[string]*Lock),
		preempted: make(map[string][]chan PreemptNotice),
		alive:     alive,
		log:       log.With().Str("component", "lockmgr").Logger(),
	}
}

// ErrWouldBlock is returned when a name is held and the policy is PolicyBlock.
type ErrWouldBlock struct {
	Name      string
	HolderPID int
}

func (e *ErrWouldBlock) Error() string {
	return "lock " + e.Name + " held"
}

// Acquire implements acquire(name, owner_pid, policy) of spec §4.3.
// On success it returns a fresh lease id. On contention under PolicyBlock
// it returns *ErrWouldBlock. Under PolicyPreempt it notifies the current
// owner via WatchPreemption and reassigns immediately — the lock manager
// does not wait for the previous owner to acknowledge; the device
// coordinator's preemption sequence (notice, reader ack, close, reopen)
// happens above this layer.
func (m *Manager) Acquire(name string, ownerPID int, policy Policy) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, held := m.locks[name]
	if held {
		if policy != PolicyPreempt {
			return "", &ErrWouldBlock{Name: name, HolderPID: existing.OwnerPID}
		}
	}

	lease := uuid.NewString()
	lock := &Lock{
		Name:       name,
		OwnerPID:   ownerPID,
		LeaseID:    lease,
		AcquiredAt: time.Now(),
		Policy:     policy,
	}
	m.locks[name] = lock

	if held {
		notice := PreemptNotice{Name: name, NewOwner: ownerPID, NewLeaseID: lease}
		for _, ch := range m.preempted[name] {
			select {
			case ch <- notice:
			default:
			}
		}
		m.log.Info().Str("lock", name).Int("prev_owner", existing.OwnerPID).Int("new_owner", ownerPID).Msg("lock preempted")
	} else {
		m.log.Debug().Str("lock", name).Int("owner", ownerPID).Msg("lock acquired")
	}

	return lease, nil
}

// Release implements release(name, lease_id). It is a no-op if the lease
// no longer matches the held lock (already released, already preempted).
func (m *Manager) Release(name, leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[name]
	if !ok || cur.LeaseID != leaseID {
		return
	}
	delete(m.locks, name)
	m.log.Debug().Str("lock", name).Msg("lock released")
}

// Status returns a snapshot of every held lock (spec §6 POST /api/locks/status).
func (m *Manager) Status() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, *l)
	}
	return out
}

// ClearStale releases any lock whose owner pid is no longer alive. The
// daemon invokes it from its 30-second stale-lock sweep (spec §4.3
// "clear_stale").
func (m *Manager) ClearStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for name, l := range m.locks {
		if !m.alive(l.OwnerPID) {
			delete(m.locks, name)
			cleared++
			m.log.Warn().Str("lock", name).Int("owner", l.OwnerPID).Msg("cleared stale lock")
		}
	}
	return cleared
}

// WatchPreemption registers a channel to be notified whenever name is
// preempted away from its current owner. The returned channel is buffered
// with size 1; a notice sent while it is full is dropped rather than
// blocking the lock manager's critical section.
func (m *Manager) WatchPreemption(name string) <-chan PreemptNotice {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan PreemptNotice, 1)
	m.preempted[name] = append(m.preempted[name], ch)
	return ch
}

// Bundle is a scoped acquisition set: every lock acquired through it is
// released exactly once on ReleaseAll, regardless of exit path (spec §4.3
// "Scope guarantee"). The dispatcher creates one Bundle per request.
type Bundle struct {
	mgr   *Manager
	mu    sync.Mutex
	held  map[string]string // name -> lease id
}

// NewBundle creates an empty scoped acquisition bundle bound to mgr.
func (m *Manager) NewBundle() *Bundle {
	return &Bundle{mgr: m, held: make(map[string]string)}
}

// Acquire acquires name through the bundle's manager and records the lease
// so ReleaseAll can release it later.
func (b *Bundle) Acquire(name string, ownerPID int, policy Policy) (string, error) {
	lease, err := b.mgr.Acquire(name, ownerPID, policy)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.held[name] = lease
	b.mu.Unlock()
	return lease, nil
}

// ReleaseAll releases every lock this bundle acquired. Safe to call more
// than once; safe to call after a panic via defer.
func (b *Bundle) ReleaseAll() {
	b.mu.Lock()
	held := b.held
	b.held = make(map[string]string)
	b.mu.Unlock()

	for name, lease := range held {
		b.mgr.Release(name, lease)
	}
}
