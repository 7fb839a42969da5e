package compile

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// checkpointInterval bounds how often a waiting caller re-checks
// cancellation while jobs are in flight (spec §4.7 "cancellation-
// checkpointed at short intervals (≈500 ms)").
const checkpointInterval = 500 * time.Millisecond

// Dispatch is one job submission plus the means to observe its
// completion. Its fields are unexported; callers outside the package
// only ever hold a *Dispatch to pass to Wait.
type Dispatch struct {
	job  *Job
	done chan struct{}
}

// Pool compiles translation units across concurrent requests. Exactly one
// Pool is process-wide in shared mode; a dedicated Pool is created and
// torn down per request when J=N is requested.
type Pool struct {
	mu       sync.Mutex
	queue    chan *Dispatch
	workers  int
	stop     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	log      zerolog.Logger
	pending  map[*Job]bool // jobs submitted but not yet done, for cancel_all_pending
}

// NewShared creates the process-wide pool sized to the host CPU count
// (spec §4.7 "J = default (host CPU count): use the shared process-wide pool").
func NewShared(log zerolog.Logger) *Pool {
	return New(runtime.NumCPU(), log)
}

// New creates a pool with the given fixed worker count (spec §4.7
// "J = N (custom): create a dedicated pool of N workers scoped to the
// request").
func New(workers int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   make(chan *Dispatch, 4096),
		workers: workers,
		stop:    make(chan struct{}),
		log:     log.With().Str("component", "compile_pool").Int("workers", workers).Logger(),
		pending: make(map[*Job]bool),
	}
}

// Start launches the pool's worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started && !p.stopped {
		return
	}
	if p.stopped {
		p.stop = make(chan struct{})
		p.stopped = false
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case d, ok := <-p.queue:
			if !ok {
				return
			}
			p.mu.Lock()
			cancelled := d.job.status == JobCancelled
			delete(p.pending, d.job)
			p.mu.Unlock()
			if cancelled {
				close(d.done)
				continue
			}
			run(d.job)
			close(d.done)
		}
	}
}

// Stop halts dispatch. In-flight jobs are allowed to finish (spec §4.7
// "jobs already in flight are allowed to finish rather than forcibly
// killed").
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.stopped = true
	p.started = false
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit dispatches job non-blockingly (the caller does not wait here;
// Wait does) and registers it as pending for cancel_all_pending.
func (p *Pool) Submit(job *Job) *Dispatch {
	job.status = JobPending
	d := &Dispatch{job: job, done: make(chan struct{})}
	p.mu.Lock()
	p.pending[job] = true
	p.mu.Unlock()
	p.queue <- d
	return d
}

// Wait blocks until d's job completes, polling cancelled() at
// checkpointInterval. If cancelled returns true before the job completes,
// Wait returns false immediately without waiting further (the job itself
// is left to finish in the background, per spec §4.7).
func Wait(d *Dispatch, cancelled func() bool) bool {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return true
		case <-ticker.C:
			if cancelled() {
				return false
			}
		}
	}
}

// CancelAllPending transitions every job submitted to this pool but not
// yet picked up by a worker to JobCancelled, and they are never dispatched
// (spec §4.7 "pending jobs for that request transition to cancelled and
// are never dispatched"). Jobs a worker has already started are left to
// finish.
func (p *Pool) CancelAllPending(jobs []*Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range jobs {
		if j.status == JobPending && p.pending[j] {
			j.status = JobCancelled
			delete(p.pending, j)
		}
	}
}

// RunSerial compiles a job inline with no pool dispatch (spec §4.7 "J = 1:
// serial mode; no pool dispatch, compiles inline. Exists for debugging —
// it is an explicit mode, not a fallback").
func RunSerial(job *Job) {
	run(job)
}
