// Package endpoint is the coordinator's local HTTP/WebSocket surface
// (spec §6): one endpoint per coordinator process, fronting the
// dispatcher, device manager, and lock manager with the route table the
// spec tabulates.
package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/device"
	"github.com/arduino-build/coordinator/internal/dispatcher"
	"github.com/arduino-build/coordinator/internal/lockmgr"
	"github.com/arduino-build/coordinator/internal/request"
)

// Server is the coordinator's local HTTP surface. Exactly one runs per
// coordinator process, bound to the port published in the port file
// (spec §6 "State layout on disk").
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	devices    *device.Manager
	locks      *lockmgr.Manager
	pid        int
	log        zerolog.Logger

	mu       sync.RWMutex
	requests map[string]*request.Request
	logs     map[string]*syncBuffer
	routes   Routes
	shutdown chan struct{}
}

// New builds the router and registers every route of spec §6's table.
func New(d *dispatcher.Dispatcher, devices *device.Manager, locks *lockmgr.Manager, pid int, log zerolog.Logger) *Server {
	s := &Server{
		dispatcher: d,
		devices:    devices,
		locks:      locks,
		pid:        pid,
		log:        log.With().Str("component", "endpoint").Logger(),
		requests:   make(map[string]*request.Request),
		logs:       make(map[string]*syncBuffer),
		shutdown:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// The coordinator is only ever reached from localhost tooling
		// (the client CLI, a local editor plugin); allow any origin but
		// never credentials, since there is no cross-origin session to
		// protect.
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/api/build", s.handleSubmit(request.KindBuild))
	r.Post("/api/deploy", s.handleSubmit(request.KindDeploy))
	r.Post("/api/monitor", s.handleSubmit(request.KindMonitor))
	r.Post("/api/install-deps", s.handleSubmit(request.KindInstallDeps))
	r.Get("/api/devices/list", s.handleDevicesList)
	r.Post("/api/devices/{id}/lease", s.handleDeviceLease)
	r.Post("/api/locks/status", s.handleLocksStatus)
	r.Get("/api/daemon/status", s.handleDaemonStatus)
	r.Post("/api/daemon/shutdown", s.handleDaemonShutdown)
	r.Get("/ws/status/{request_id}", s.handleStatusStream)
	r.Get("/ws/monitor/{port}", s.handleMonitorStream)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Shutdown signals every blocking stream to close and waits out the
// given grace period before returning.
func (s *Server) Shutdown(grace time.Duration) {
	close(s.shutdown)
	time.Sleep(grace)
}

func (s *Server) trackRequest(req *request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
}

func (s *Server) lookupRequest(id string) (*request.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	return req, ok
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// backgroundContext returns a context cancelled when the server shuts
// down. Dispatched requests and WebSocket streams outlive the HTTP
// handler that started them, so they cannot use the request's own
// context (cancelled the instant ServeHTTP returns).
func (s *Server) backgroundContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.shutdown
		cancel()
	}()
	return ctx
}
