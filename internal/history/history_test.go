package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRequestStartAndFinish_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, s.RecordRequestStart("req-1", "build", 4242, now))
	require.NoError(t, s.RecordRequestFinish("req-1", "succeeded", "", now.Add(5*time.Second)))

	recs, err := s.RecentRequests(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "req-1", recs[0].ID)
	assert.Equal(t, "build", recs[0].Kind)
	assert.Equal(t, 4242, recs[0].CallerPID)
	assert.Equal(t, "succeeded", recs[0].Status)
	assert.Empty(t, recs[0].Error)
	require.NotNil(t, recs[0].FinishedAt)
}

func TestRecordRequestFinish_PersistsErrorMessage(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordRequestStart("req-2", "deploy", 1, now))
	require.NoError(t, s.RecordRequestFinish("req-2", "failed", "upload timed out", now))

	recs, err := s.RecentRequests(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, "upload timed out", recs[0].Error)
}

func TestRecentRequests_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-1 * time.Hour)

	require.NoError(t, s.RecordRequestStart("older", "build", 1, base))
	require.NoError(t, s.RecordRequestStart("newer", "build", 1, base.Add(time.Minute)))

	recs, err := s.RecentRequests(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "newer", recs[0].ID)
	assert.Equal(t, "older", recs[1].ID)
}

func TestRecordSpawnAttempt_AppendsEntries(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordSpawnAttempt(0, false, "first attempt"))
	require.NoError(t, s.RecordSpawnAttempt(500*time.Millisecond, true, "second attempt"))

	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM spawn_log`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 2, count)
}
