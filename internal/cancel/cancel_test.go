package cancel

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelled_FalseUntilSignalled(t *testing.T) {
	dir := t.TempDir()
	r := New(zerolog.Nop(), dir)
	r.Register("req-1", os.Getpid())

	assert.False(t, r.Cancelled("req-1"))

	require.NoError(t, r.Signal("req-1"))
	assert.True(t, r.Cancelled("req-1"))
}

func TestCancelled_UnregisteredRequestIsNotCancelled(t *testing.T) {
	r := New(zerolog.Nop(), t.TempDir())
	assert.False(t, r.Cancelled("unknown"))
}

func TestDeregister_RemovesSignalFile(t *testing.T) {
	dir := t.TempDir()
	r := New(zerolog.Nop(), dir)
	r.Register("req-2", os.Getpid())
	require.NoError(t, r.Signal("req-2"))

	r.Deregister("req-2")

	_, err := os.Stat(r.signalPath("req-2"))
	assert.True(t, os.IsNotExist(err))
}

func TestCancelled_DeadOwningPidIsCancelled(t *testing.T) {
	r := New(zerolog.Nop(), t.TempDir())
	// PID 1 is typically unreachable/owned by another user in a container,
	// but a PID far outside any plausible live range is guaranteed dead.
	const deadPID = 1 << 30
	r.Register("req-3", deadPID)

	assert.True(t, r.Cancelled("req-3"))
}

func TestCancelled_CachesAnswerWithinTTL(t *testing.T) {
	dir := t.TempDir()
	r := New(zerolog.Nop(), dir)
	r.Register("req-4", os.Getpid())

	assert.False(t, r.Cancelled("req-4"))

	// Write the signal file directly, bypassing Signal's cache invalidation,
	// to prove the cached "not cancelled" answer survives until it expires.
	require.NoError(t, os.WriteFile(r.signalPath("req-4"), []byte{}, 0o644))
	assert.False(t, r.Cancelled("req-4"), "cached answer should still be false just after writing the file directly")

	time.Sleep(cacheTTL + 20*time.Millisecond)
	assert.True(t, r.Cancelled("req-4"), "cache should have expired and re-observed the signal file")
}

func TestSignal_InvalidatesCacheImmediately(t *testing.T) {
	dir := t.TempDir()
	r := New(zerolog.Nop(), dir)
	r.Register("req-5", os.Getpid())

	assert.False(t, r.Cancelled("req-5"))
	require.NoError(t, r.Signal("req-5"))
	assert.True(t, r.Cancelled("req-5"), "Signal must invalidate the cache so the very next check observes cancellation")
}
