// Package request defines the Request record of spec §3: every client
// submission's id, caller identity, kind, parameters, and mutable status.
package request

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the operation a Request performs.
type Kind string

const (
	KindBuild          Kind = "build"
	KindDeploy         Kind = "deploy"
	KindMonitor        Kind = "monitor"
	KindInstallDeps    Kind = "install-dependencies"
	KindStatus         Kind = "status"
	KindShutdown       Kind = "shutdown"
)

// Status is a Request's mutable lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// CancellationPolicy distinguishes request kinds that abort on cancellation
// from ones that run to completion regardless (spec §4.4 Policy).
type CancellationPolicy string

const (
	PolicyCancellable CancellationPolicy = "cancellable"
	PolicyContinue    CancellationPolicy = "continue"
)

// PolicyFor returns the cancellation policy for a request kind.
func PolicyFor(k Kind) CancellationPolicy {
	if k == KindInstallDeps {
		return PolicyContinue
	}
	return PolicyCancellable
}

// Request is the full record for one client submission. It is held only in
// memory (spec §3); fields are guarded by mu because the dispatcher,
// endpoint server, and status poller can all touch Status concurrently.
type Request struct {
	mu sync.RWMutex

	ID         string          `json:"id"`
	CallerPID  int             `json:"caller_pid"`
	CallerCwd  string          `json:"caller_cwd"`
	Kind       Kind            `json:"kind"`
	Params     json.RawMessage `json:"params,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	status     Status
	Error      string `json:"error,omitempty"`
}

// New creates a queued Request with a fresh id.
func New(kind Kind, callerPID int, callerCwd string, params json.RawMessage) *Request {
	return &Request{
		ID:        uuid.NewString(),
		CallerPID: callerPID,
		CallerCwd: callerCwd,
		Kind:      kind,
		Params:    params,
		CreatedAt: time.Now(),
		status:    StatusQueued,
	}
}

// Status returns the current status.
func (r *Request) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// SetStatus transitions the request to a new status. It does not validate
// the transition graph; the dispatcher is the single writer responsible for
// only ever moving a request forward (spec §4.5).
func (r *Request) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// SetError records a terminal failure message and marks the request failed.
func (r *Request) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusFailed
	r.Error = err.Error()
}

// Terminal reports whether the request has reached a terminal status.
func (r *Request) Terminal() bool {
	switch r.Status() {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// snapshot is the JSON-serializable view of a Request: a plain struct
// without the mutex, so MarshalJSON/UnmarshalJSON round-trip cleanly over
// the HTTP transport (spec §8 "Round-trip and idempotence").
type snapshot struct {
	ID        string          `json:"id"`
	CallerPID int             `json:"caller_pid"`
	CallerCwd string          `json:"caller_cwd"`
	Kind      Kind            `json:"kind"`
	Params    json.RawMessage `json:"params,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler over a lock-consistent snapshot.
func (r *Request) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	s := snapshot{
		ID:        r.ID,
		CallerPID: r.CallerPID,
		CallerCwd: r.CallerCwd,
		Kind:      r.Kind,
		Params:    r.Params,
		CreatedAt: r.CreatedAt,
		Status:    r.status,
		Error:     r.Error,
	}
	r.mu.RUnlock()
	return json.Marshal(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ID = s.ID
	r.CallerPID = s.CallerPID
	r.CallerCwd = s.CallerCwd
	r.Kind = s.Kind
	r.Params = s.Params
	r.CreatedAt = s.CreatedAt
	r.status = s.Status
	r.Error = s.Error
	return nil
}
