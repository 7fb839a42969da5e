// Package dispatcher implements the request dispatcher of spec §4.5: the
// single place that assigns a build-context to a request, acquires its
// locks, routes to a kind-specific handler, and — on any exit path —
// releases the locks, clears the cancel signal, and translates a raised
// cancellation into the terminal "cancelled" status.
package dispatcher

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/arduino-build/coordinator/internal/buildctx"
	"github.com/arduino-build/coordinator/internal/cancel"
	"github.com/arduino-build/coordinator/internal/compile"
	"github.com/arduino-build/coordinator/internal/coorderr"
	"github.com/arduino-build/coordinator/internal/events"
	"github.com/arduino-build/coordinator/internal/history"
	"github.com/arduino-build/coordinator/internal/lockmgr"
	"github.com/arduino-build/coordinator/internal/request"
)

// cancellationTerminates reports whether an observed cancellation should
// flip req's terminal status to cancelled. Request kinds with the
// "continue" policy (spec §4.4, e.g. install-dependencies) still surface
// the signal through the cancel registry for observability, but the
// dispatcher must leave their outcome to whatever the handler actually
// returned.
func cancellationTerminates(k request.Kind) bool {
	return request.PolicyFor(k) == request.PolicyCancellable
}

// LockSpec names one resource a request's handler needs for its duration,
// and the policy to apply if it is already held (spec §4.1/§4.3).
type LockSpec struct {
	Name   string
	Policy lockmgr.Policy
}

// Handler performs the kind-specific work of one request. It must honor
// ctx cancellation. Compile jobs registered with tracker are cancelled by
// the dispatcher when the request ends cancelled; jobs the handler does
// not register there are left to the code that submitted them.
type Handler func(ctx context.Context, bctx *buildctx.Context, req *request.Request, tracker *JobTracker) error

// Dispatcher wires together every cross-cutting concern a request needs,
// without itself implementing any kind's business logic.
type Dispatcher struct {
	locks   *lockmgr.Manager
	cancels *cancel.Registry
	pool    *compile.Pool
	hist    *history.Store
	bus     *events.Bus
	log     zerolog.Logger
}

func New(locks *lockmgr.Manager, cancels *cancel.Registry, pool *compile.Pool, hist *history.Store, bus *events.Bus, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		locks:   locks,
		cancels: cancels,
		pool:    pool,
		hist:    hist,
		bus:     bus,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs req to completion through handler, performing every
// dispatcher-level step of spec §4.5 in order.
func (d *Dispatcher) Dispatch(ctx context.Context, req *request.Request, verbose bool, logWriter io.Writer, locks []LockSpec, handler Handler) error {
	bctx := buildctx.New(d.log, req.ID, verbose, logWriter)
	if d.hist != nil {
		if err := d.hist.RecordRequestStart(req.ID, string(req.Kind), req.CallerPID, req.CreatedAt); err != nil {
			d.log.Warn().Err(err).Str("request_id", req.ID).Msg("failed to record request start")
		}
	}

	// Step 3: cancellation checkpoint before any work begins. Kinds with
	// the "continue" policy never abort on this signal; it is only ever
	// observable.
	if cancellationTerminates(req.Kind) && d.cancels.Cancelled(req.ID) {
		d.cancels.Deregister(req.ID)
		return d.finishCancelled(req)
	}

	// Step 4: acquire every required lock under one scoped bundle.
	bundle := d.locks.NewBundle()
	for _, spec := range locks {
		if _, err := bundle.Acquire(spec.Name, req.CallerPID, spec.Policy); err != nil {
			bundle.ReleaseAll()
			d.cancels.Deregister(req.ID)
			return d.finishFailed(req, err)
		}
	}

	req.SetStatus(request.StatusRunning)
	d.emit(req, events.RequestStatusChanged)

	tracker := &JobTracker{}
	err := handler(ctx, bctx, req, tracker)

	// Step 6: release locks and clear the cancel signal on every exit path.
	// The cancellation check must run before Deregister clears the entry,
	// or it always reads as false.
	wasCancelled := d.cancels.Cancelled(req.ID)
	bundle.ReleaseAll()
	d.cancels.Deregister(req.ID)

	if cancellationTerminates(req.Kind) && (wasCancelled || isCancelled(err)) {
		d.pool.CancelAllPending(tracker.Jobs())
		return d.finishCancelled(req)
	}
	if err != nil {
		return d.finishFailed(req, err)
	}
	return d.finishSucceeded(req)
}

func isCancelled(err error) bool {
	ce, ok := err.(*coorderr.Error)
	return ok && ce.Kind == coorderr.KindCancelled
}

func (d *Dispatcher) finishCancelled(req *request.Request) error {
	req.SetStatus(request.StatusCancelled)
	d.recordFinish(req)
	d.emit(req, events.RequestStatusChanged)
	return coorderr.New(coorderr.KindCancelled, "request cancelled")
}

func (d *Dispatcher) finishFailed(req *request.Request, err error) error {
	req.SetError(err)
	d.recordFinish(req)
	d.emit(req, events.RequestStatusChanged)
	return err
}

func (d *Dispatcher) finishSucceeded(req *request.Request) error {
	req.SetStatus(request.StatusSucceeded)
	d.recordFinish(req)
	d.emit(req, events.RequestStatusChanged)
	return nil
}

func (d *Dispatcher) recordFinish(req *request.Request) {
	if d.hist == nil {
		return
	}
	if err := d.hist.RecordRequestFinish(req.ID, string(req.Status()), req.Error, time.Now()); err != nil {
		d.log.Warn().Err(err).Str("request_id", req.ID).Msg("failed to record request finish")
	}
}

func (d *Dispatcher) emit(req *request.Request, t events.EventType) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(t, "dispatcher", map[string]interface{}{
		"request_id": req.ID,
		"status":     string(req.Status()),
		"kind":       string(req.Kind),
	})
}
