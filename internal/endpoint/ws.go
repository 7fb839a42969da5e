package endpoint

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/arduino-build/coordinator/internal/device"
)

// statusPollInterval bounds how often the status stream re-checks a
// request's status for a change to push.
const statusPollInterval = 200 * time.Millisecond

// statusMessage is one server->client frame on the status stream.
type statusMessage struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleStatusStream streams status transitions for one request until it
// reaches a terminal state (spec §6 "a status stream per request").
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	reqID := chi.URLParam(r, "request_id")
	req, ok := s.lookupRequest(reqID)
	if !ok {
		http.Error(w, "unknown request id", http.StatusNotFound)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := s.backgroundContext()
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	var lastSent string
	for {
		if status := string(req.Status()); status != lastSent {
			msg := statusMessage{Status: status, Error: req.Error}
			if err := wsjson.Write(ctx, c, msg); err != nil {
				return
			}
			lastSent = status
		}
		if req.Terminal() {
			c.Close(websocket.StatusNormalClosure, "terminal")
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-r.Context().Done():
			return
		}
	}
}

// monitorClientMsg is one client->server frame on the monitor stream
// (spec §6 envelope).
type monitorClientMsg struct {
	Type     string `json:"type"` // attach, write, detach, ping
	ClientID string `json:"client_id,omitempty"`
	Data     string `json:"data,omitempty"`
}

// monitorServerMsg is one server->client frame.
type monitorServerMsg struct {
	Type  string   `json:"type"` // attached, data, preempted, reconnected, write_ack, error, pong
	Lines []string `json:"lines,omitempty"`
	Index int      `json:"index,omitempty"`
	Error string   `json:"error,omitempty"`
}

// monitorPollInterval bounds how often an attached reader polls its port
// for new lines.
const monitorPollInterval = 100 * time.Millisecond

// monitorHeartbeatWindow bounds how long an attached reader lease
// survives without any client traffic (attach/detach/write/ping all
// count). A client that crashes mid-session otherwise pins its port
// lease forever, since the deploy-preemption path only ever releases a
// *writer* lease, not an abandoned reader.
const monitorHeartbeatWindow = 60 * time.Second

// handleMonitorStream implements the monitor WebSocket session of spec
// §6: the client attaches, the server leases a reader on the port and
// delivers line batches with a monotonic index (at-least-once; the
// client deduplicates), pausing and resuming transparently across a
// deploy preemption.
func (s *Server) handleMonitorStream(w http.ResponseWriter, r *http.Request) {
	port := chi.URLParam(r, "port")
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	base := s.backgroundContext()

	var leaseID string
	var attached bool
	wasPreempted := false

	for {
		readCtx, cancelRead := context.WithTimeout(base, monitorHeartbeatWindow)
		var msg monitorClientMsg
		readErr := wsjson.Read(readCtx, c, &msg)
		abandoned := readErr != nil && readCtx.Err() == context.DeadlineExceeded
		cancelRead()
		if readErr != nil {
			if attached {
				s.devices.Release(port, leaseID)
				if abandoned {
					s.log.Info().Str("port", port).Str("lease_id", leaseID).
						Msg("released abandoned monitor lease after heartbeat timeout")
				}
			}
			if abandoned {
				c.Close(websocket.StatusPolicyViolation, "no traffic within heartbeat window")
			}
			return
		}

		switch msg.Type {
		case "attach":
			id, err := s.devices.Lease(port, msg.ClientID, device.ModeReader)
			if err != nil {
				wsjson.Write(base, c, monitorServerMsg{Type: "error", Error: err.Error()})
				continue
			}
			leaseID = id
			attached = true
			wsjson.Write(base, c, monitorServerMsg{Type: "attached"})
			go s.pumpMonitor(base, c, port, leaseID, &wasPreempted)
		case "detach":
			if attached {
				s.devices.Release(port, leaseID)
				attached = false
			}
			c.Close(websocket.StatusNormalClosure, "detached")
			return
		case "ping":
			wsjson.Write(base, c, monitorServerMsg{Type: "pong"})
		case "write":
			// Writer-mode commands are out of scope for the monitor
			// stream itself; acknowledge so the client's flow control
			// doesn't stall, but no bytes are actually sent to the port
			// without a writer lease.
			wsjson.Write(base, c, monitorServerMsg{Type: "write_ack"})
		}
	}
}

// pumpMonitor polls the device manager for new lines and pushes them to
// the client, translating preemption into the documented events.
func (s *Server) pumpMonitor(ctx context.Context, c *websocket.Conn, port, leaseID string, wasPreempted *bool) {
	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()
	index := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lines, preempted, err := s.devices.Poll(port, leaseID)
		if err != nil {
			return
		}
		if preempted {
			if !*wasPreempted {
				*wasPreempted = true
				if wsjson.Write(ctx, c, monitorServerMsg{Type: "preempted"}) != nil {
					return
				}
			}
			continue
		}
		if *wasPreempted {
			*wasPreempted = false
			if wsjson.Write(ctx, c, monitorServerMsg{Type: "reconnected"}) != nil {
				return
			}
		}
		if len(lines) == 0 {
			continue
		}
		index += len(lines)
		if wsjson.Write(ctx, c, monitorServerMsg{Type: "data", Lines: lines, Index: index}) != nil {
			return
		}
	}
}
