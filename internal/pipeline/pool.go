package pipeline

import (
	"sync"

	"github.com/rs/zerolog"
)

// workerPool is a fixed-size pool of goroutines draining a job channel.
// Shaped after the teacher's internal/queue WorkerPool: a mutex-guarded
// started/stopped pair of flags so Start/Stop are idempotent and safe to
// call from any goroutine.
type workerPool struct {
	mu      sync.Mutex
	workers int
	jobs    chan func()
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	log     zerolog.Logger
}

func newWorkerPool(name string, workers, queueDepth int, log zerolog.Logger) *workerPool {
	return &workerPool{
		workers: workers,
		jobs:    make(chan func(), queueDepth),
		stop:    make(chan struct{}),
		log:     log.With().Str("pool", name).Logger(),
	}
}

// Start launches the pool's worker goroutines. Calling Start twice without
// an intervening Stop is a no-op.
func (p *workerPool) Start() {
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
		go p.run()
	}
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

// Submit enqueues a job. It blocks if the queue is full, providing natural
// backpressure — the scheduler never dispatches more ready tasks than a
// stage can hold.
func (p *workerPool) Submit(job func()) {
	p.jobs <- job
}

// Stop halts dispatch and waits for in-flight jobs to finish. In-flight
// jobs are never force-killed (spec §4.7 "allowed to finish rather than
// forcibly killed").
func (p *workerPool) Stop() {
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
