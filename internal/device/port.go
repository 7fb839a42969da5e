package device

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// Mode is the access level a lease grants over a port (spec §4.8).
type Mode string

const (
	// ModeReader is non-exclusive: any number of readers may share a port.
	ModeReader Mode = "reader"
	// ModeWriter is exclusive among writers but coexists with readers.
	ModeWriter Mode = "writer"
	// ModeDeploy is exclusive and preempts every reader and writer.
	ModeDeploy Mode = "deploy"
)

// Dialer opens the physical handle for a port name. Production wiring
// plugs in a real serial connection; tests substitute an in-memory pipe.
type Dialer func(port string) (io.ReadWriteCloser, error)

// Lease is a single grant of access to a port.
type Lease struct {
	ID         string
	Port       string
	ClientID   string
	Mode       Mode
	AcquiredAt time.Time
}

// reader tracks one monitor client's independent cursor over the port's
// shared ring buffer.
type reader struct {
	lease  Lease
	cursor int
}

// portState is the coordinator's singleton ownership record for one
// physical port. All of a port's readers share one physical handle.
type portState struct {
	mu           sync.Mutex
	name         string
	conn         io.ReadWriteCloser
	ring         *lineRing
	readers      map[string]*reader
	writer       *Lease
	deployHolder *Lease
	preempted    bool
	acks         map[string]chan struct{} // reader ID -> ack-received channel, only while preempted
	resumeWait   []chan struct{}          // readers blocked on resume, signalled when preemption clears
}

// Manager owns every open port; spec §4.8 "clients never open a port
// directly."
type Manager struct {
	mu    sync.Mutex
	ports map[string]*portState
	dial  Dialer
	log   zerolog.Logger
}

func New(dial Dialer, log zerolog.Logger) *Manager {
	return &Manager{
		ports: make(map[string]*portState),
		dial:  dial,
		log:   log.With().Str("component", "device_manager").Logger(),
	}
}

func (m *Manager) state(name string) *portState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.ports[name]
	if !ok {
		ps = &portState{
			name:    name,
			ring:    newLineRing(defaultRingCapacity),
			readers: make(map[string]*reader),
			acks:    make(map[string]chan struct{}),
		}
		m.ports[name] = ps
	}
	return ps
}

// Lease grants access to a port under the given mode (spec §4.8
// "lease(port, client_id, mode) -> lease_id").
func (m *Manager) Lease(port, clientID string, mode Mode) (string, error) {
	ps := m.state(port)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch mode {
	case ModeReader:
		return m.leaseReaderLocked(ps, clientID)
	case ModeWriter:
		if ps.deployHolder != nil {
			return "", coorderr.LockContended(port, 0)
		}
		if ps.writer != nil {
			return "", coorderr.LockContended(port, 0)
		}
		if err := m.ensureConnLocked(ps); err != nil {
			return "", coorderr.Wrap(coorderr.KindTransientIO, "open port for writer lease", err)
		}
		lease := &Lease{ID: uuid.NewString(), Port: port, ClientID: clientID, Mode: ModeWriter, AcquiredAt: time.Now()}
		ps.writer = lease
		return lease.ID, nil
	case ModeDeploy:
		if ps.deployHolder != nil {
			return "", coorderr.LockContended(port, 0)
		}
		lease := &Lease{ID: uuid.NewString(), Port: port, ClientID: clientID, Mode: ModeDeploy, AcquiredAt: time.Now()}
		ps.writer = nil // a deploy lease preempts any held writer lease
		ps.deployHolder = lease
		return lease.ID, nil
	default:
		return "", fmt.Errorf("device: unknown lease mode %q", mode)
	}
}

func (m *Manager) leaseReaderLocked(ps *portState, clientID string) (string, error) {
	if err := m.ensureConnLocked(ps); err != nil {
		return "", coorderr.Wrap(coorderr.KindTransientIO, "open port for reader lease", err)
	}
	id := uuid.NewString()
	ps.readers[id] = &reader{
		lease:  Lease{ID: id, Port: ps.name, ClientID: clientID, Mode: ModeReader, AcquiredAt: time.Now()},
		cursor: ps.ring.Head(),
	}
	return id, nil
}

func (m *Manager) ensureConnLocked(ps *portState) error {
	if ps.conn != nil {
		return nil
	}
	conn, err := m.dial(ps.name)
	if err != nil {
		return err
	}
	ps.conn = conn
	go m.pumpLocked(ps, conn)
	return nil
}

// pumpLocked reads lines from the physical handle into the port's ring
// buffer until the connection closes. Runs without holding ps.mu so
// readers/writers are never blocked on physical I/O.
func (m *Manager) pumpLocked(ps *portState, conn io.ReadWriteCloser) {
	buf := make([]byte, 4096)
	var partial []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				idx := indexByte(partial, '\n')
				if idx < 0 {
					break
				}
				ps.ring.Append(string(partial[:idx]))
				partial = partial[idx+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Release drops a lease. Releasing the deploy holder clears the
// preemption notice and lets paused readers reconnect (spec §4.8 step 4).
func (m *Manager) Release(port, leaseID string) error {
	ps := m.state(port)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.deployHolder != nil && ps.deployHolder.ID == leaseID {
		ps.deployHolder = nil
		m.clearPreemptionLocked(ps)
		return nil
	}
	if ps.writer != nil && ps.writer.ID == leaseID {
		ps.writer = nil
		return nil
	}
	if _, ok := ps.readers[leaseID]; ok {
		delete(ps.readers, leaseID)
		return nil
	}
	return fmt.Errorf("device: no lease %s on port %s", leaseID, port)
}

func (m *Manager) clearPreemptionLocked(ps *portState) {
	ps.preempted = false
	for _, w := range ps.resumeWait {
		close(w)
	}
	ps.resumeWait = nil
}

// Poll returns the lines a reader hasn't seen yet, and whether the port is
// currently preempted. A Poll during preemption is itself the reader's
// acknowledgement of the notice; the reader should pause until a later
// Poll reports preempted=false.
func (m *Manager) Poll(port, leaseID string) (lines []string, preempted bool, err error) {
	ps := m.state(port)
	ps.mu.Lock()
	r, ok := ps.readers[leaseID]
	if !ok {
		ps.mu.Unlock()
		return nil, false, fmt.Errorf("device: no reader lease %s on port %s", leaseID, port)
	}
	if ps.preempted {
		if ack, pending := ps.acks[leaseID]; pending {
			close(ack)
			delete(ps.acks, leaseID)
		}
		ps.mu.Unlock()
		return nil, true, nil
	}
	ps.mu.Unlock()

	out, next := ps.ring.ReadFrom(r.cursor)
	ps.mu.Lock()
	r.cursor = next
	ps.mu.Unlock()
	return out, false, nil
}

// KnownPorts lists every port the manager has seen a lease request for.
// It does not enumerate the host's physical serial devices — discovering
// those is out of scope (spec §1 "physical upload transports... are
// plumbing").
func (m *Manager) KnownPorts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ports))
	for name := range m.ports {
		out = append(out, name)
	}
	return out
}

// Status reports the leases currently held on a port, for the locks/status
// surface.
func (m *Manager) Status(port string) []Lease {
	ps := m.state(port)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []Lease
	for _, r := range ps.readers {
		out = append(out, r.lease)
	}
	if ps.writer != nil {
		out = append(out, *ps.writer)
	}
	if ps.deployHolder != nil {
		out = append(out, *ps.deployHolder)
	}
	return out
}
