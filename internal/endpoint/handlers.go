package endpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/arduino-build/coordinator/internal/device"
	"github.com/arduino-build/coordinator/internal/dispatcher"
	"github.com/arduino-build/coordinator/internal/request"
)

// syncBuffer is the per-request log destination the build-context writes
// into, kept per request id in Server.logs. No route streams it: the
// status stream sends status transitions only. A plain mutex-guarded buffer is
// enough here since volume per request is modest build/compile output,
// not a firehose.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Routes is the set of kind-specific handlers and the lock plan a
// submitted request requires, assembled by cmd/coordinatord once every
// subsystem (orchestrator, pipeline, device manager) is wired up. The
// endpoint package deliberately knows nothing about build/deploy/install
// semantics itself — it only moves requests and locks through the
// dispatcher (spec §4.9 "the dispatcher does not branch on platform",
// generalized here to "the endpoint does not branch on request kind").
type Routes struct {
	Handlers map[request.Kind]dispatcher.Handler
	LockPlan func(req *request.Request) []dispatcher.LockSpec
}

// WithRoutes installs the kind-specific wiring. Must be called before
// the server starts serving submit routes.
func (s *Server) WithRoutes(routes Routes) *Server {
	s.routes = routes
	return s
}

type submitPayload struct {
	CallerPID int             `json:"caller_pid"`
	CallerCwd string          `json:"caller_cwd"`
	Verbose   bool            `json:"verbose"`
	Params    json.RawMessage `json:"params"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	StreamURL string `json:"stream_url"`
}

func (s *Server) handleSubmit(kind request.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload submitPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		handler, ok := s.routes.Handlers[kind]
		if !ok {
			writeError(w, http.StatusNotImplemented, fmt.Sprintf("no handler wired for %q", kind))
			return
		}

		req := request.New(kind, payload.CallerPID, payload.CallerCwd, payload.Params)
		s.trackRequest(req)

		logBuf := &syncBuffer{}
		s.mu.Lock()
		s.logs[req.ID] = logBuf
		s.mu.Unlock()

		var locks []dispatcher.LockSpec
		if s.routes.LockPlan != nil {
			locks = s.routes.LockPlan(req)
		}

		ctx := s.backgroundContext()
		go func() {
			if err := s.dispatcher.Dispatch(ctx, req, payload.Verbose, logBuf, locks, handler); err != nil {
				s.log.Debug().Err(err).Str("request_id", req.ID).Msg("request finished with error")
			}
		}()

		writeJSON(w, http.StatusAccepted, submitResponse{
			RequestID: req.ID,
			StreamURL: "/ws/status/" + req.ID,
		})
	}
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": s.devices.KnownPorts()})
}

type leaseRequest struct {
	ClientID string      `json:"client_id"`
	Mode     device.Mode `json:"mode"`
}

type leaseResponse struct {
	LeaseID string `json:"lease_id"`
}

func (s *Server) handleDeviceLease(w http.ResponseWriter, r *http.Request) {
	port := chi.URLParam(r, "id")
	var payload leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	leaseID, err := s.devices.Lease(port, payload.ClientID, payload.Mode)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse{LeaseID: leaseID})
}

func (s *Server) handleLocksStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": s.locks.Status()})
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "pid": s.pid})
}

func (s *Server) handleDaemonShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	go s.Shutdown(0)
}
