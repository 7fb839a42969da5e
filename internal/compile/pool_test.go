package compile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, dir, name string, argv []string) *Job {
	t.Helper()
	src := filepath.Join(dir, name+".c")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	return &Job{SourcePath: src, ObjectPath: filepath.Join(dir, name+".o"), Argv: argv}
}

func TestPool_SubmitAndWaitRunsJobToCompletion(t *testing.T) {
	p := New(2, zerolog.Nop())
	p.Start()
	defer p.Stop()

	job := newTestJob(t, t.TempDir(), "a", []string{"true"})
	d := p.Submit(job)

	ok := Wait(d, func() bool { return false })
	assert.True(t, ok)
	assert.Equal(t, JobDone, job.Status())
}

func TestPool_CancelAllPendingNeverDispatchesUnstartedJobs(t *testing.T) {
	p := New(1, zerolog.Nop())
	// Not started: nothing will ever pick jobs off the queue, so both
	// submissions stay pending until CancelAllPending claims them.
	dir := t.TempDir()
	job1 := newTestJob(t, dir, "a", []string{"true"})
	job2 := newTestJob(t, dir, "b", []string{"true"})
	p.Submit(job1)
	p.Submit(job2)

	p.CancelAllPending([]*Job{job1, job2})

	assert.Equal(t, JobCancelled, job1.Status())
	assert.Equal(t, JobCancelled, job2.Status())
}

func TestWorker_SkipsJobCancelledWhileStillQueued(t *testing.T) {
	p := New(1, zerolog.Nop())
	p.Start()
	defer p.Stop()

	dir := t.TempDir()
	blocker := newTestJob(t, dir, "blocker", []string{"sleep", "1"})
	queued := newTestJob(t, dir, "queued", []string{"true"})

	blockerDispatch := p.Submit(blocker)
	p.Submit(queued)

	p.CancelAllPending([]*Job{queued})
	ok := Wait(blockerDispatch, func() bool { return false })
	assert.True(t, ok)

	assert.Equal(t, JobCancelled, queued.Status())
}

func TestWait_ReturnsFalseOnCancellationWithoutWaitingForSlowJob(t *testing.T) {
	p := New(1, zerolog.Nop())
	p.Start()
	defer p.Stop()

	job := newTestJob(t, t.TempDir(), "slow", []string{"sleep", "5"})
	d := p.Submit(job)

	cancelled := false
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancelled = true
	}()

	start := time.Now()
	ok := Wait(d, func() bool { return cancelled })
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewShared_SizedToHostCPUCount(t *testing.T) {
	p := NewShared(zerolog.Nop())
	assert.Equal(t, runtime.NumCPU(), p.workers)
}
