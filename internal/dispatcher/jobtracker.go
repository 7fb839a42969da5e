package dispatcher

import (
	"sync"

	"github.com/arduino-build/coordinator/internal/compile"
)

// JobTracker collects the compile jobs one request has submitted to the
// shared compilation pool, so the dispatcher — the single point that
// handles cancellation (spec §4.5) — can call CancelAllPending on
// exactly this request's jobs without reaching into the pool's internals.
type JobTracker struct {
	mu   sync.Mutex
	jobs []*compile.Job
}

func (t *JobTracker) Track(j *compile.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs = append(t.jobs, j)
}

func (t *JobTracker) Jobs() []*compile.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*compile.Job, len(t.jobs))
	copy(out, t.jobs)
	return out
}
