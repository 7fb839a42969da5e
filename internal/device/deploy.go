package device

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// ackTimeout bounds how long the deploy sequence waits for active readers
// to acknowledge the preemption notice before proceeding anyway — a
// reader that never polls again (client gone) must not block a deploy
// forever.
const ackTimeout = 2 * time.Second

// DeployRequest is one upload job targeting a leased port.
type DeployRequest struct {
	Port      string
	LeaseID   string // must be a ModeDeploy lease already held on Port
	Upload    UploadConfig
	Recovered bool // crash-loop devices: wrap the upload in recovery retries
}

// Deploy runs the preemption sequence of spec §4.8: notify active readers,
// let them pause and ack, close the shared handle, upload, reopen, and
// clear the notice so readers reconnect automatically.
func (m *Manager) Deploy(ctx context.Context, log zerolog.Logger, req DeployRequest) error {
	ps := m.state(req.Port)

	ps.mu.Lock()
	if ps.deployHolder == nil || ps.deployHolder.ID != req.LeaseID {
		ps.mu.Unlock()
		return fmt.Errorf("device: deploy requires a held deploy lease on %s", req.Port)
	}
	acks := m.noticePreemptionLocked(ps)
	conn := ps.conn
	ps.conn = nil
	ps.mu.Unlock()

	m.awaitAcks(acks)

	if conn != nil {
		conn.Close()
	}

	attempt := func(n int) error {
		log.Info().Str("port", req.Port).Int("attempt", n).Msg("running upload")
		return runUpload(ctx, req.Upload)
	}

	var err error
	if req.Recovered {
		err = uploadWithRecovery(ctx, log, attempt)
	} else {
		err = attempt(1)
	}

	ps.mu.Lock()
	reopenErr := m.ensureConnLocked(ps)
	m.clearPreemptionLocked(ps)
	ps.mu.Unlock()

	if err != nil {
		return err
	}
	if reopenErr != nil {
		return coorderr.Wrap(coorderr.KindTransientIO, "reopen port after upload", reopenErr)
	}
	return nil
}

// noticePreemptionLocked marks the port preempted and hands back one ack
// channel per currently attached reader (spec §4.8 steps 1-2). Callers
// must hold ps.mu; it returns the channels to wait on without the lock
// held.
func (m *Manager) noticePreemptionLocked(ps *portState) []chan struct{} {
	ps.preempted = true
	ps.acks = make(map[string]chan struct{}, len(ps.readers))
	acks := make([]chan struct{}, 0, len(ps.readers))
	for id := range ps.readers {
		ack := make(chan struct{})
		ps.acks[id] = ack
		acks = append(acks, ack)
	}
	return acks
}

func (m *Manager) awaitAcks(acks []chan struct{}) {
	deadline := time.After(ackTimeout)
	for _, ack := range acks {
		select {
		case <-ack:
		case <-deadline:
			return
		}
	}
}
