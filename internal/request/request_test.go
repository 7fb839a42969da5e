package request

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsQueuedStatusAndID(t *testing.T) {
	r := New(KindBuild, 1234, "/tmp/sketch", nil)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusQueued, r.Status())
	assert.False(t, r.Terminal())
}

func TestPolicyFor_InstallDepsContinuesOnCancel(t *testing.T) {
	assert.Equal(t, PolicyContinue, PolicyFor(KindInstallDeps))
	assert.Equal(t, PolicyCancellable, PolicyFor(KindBuild))
	assert.Equal(t, PolicyCancellable, PolicyFor(KindDeploy))
}

func TestSetError_MarksFailedAndTerminal(t *testing.T) {
	r := New(KindDeploy, 1, "/tmp", nil)
	r.SetError(assert.AnError)
	assert.Equal(t, StatusFailed, r.Status())
	assert.True(t, r.Terminal())
	assert.Equal(t, assert.AnError.Error(), r.Error)
}

func TestMarshalUnmarshalJSON_RoundTrips(t *testing.T) {
	orig := New(KindInstallDeps, 42, "/home/x/sketch", json.RawMessage(`{"fqbn":"esp32:esp32:esp32"}`))
	orig.SetStatus(StatusRunning)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var round Request
	require.NoError(t, json.Unmarshal(data, &round))

	assert.Equal(t, orig.ID, round.ID)
	assert.Equal(t, orig.CallerPID, round.CallerPID)
	assert.Equal(t, orig.CallerCwd, round.CallerCwd)
	assert.Equal(t, orig.Kind, round.Kind)
	assert.JSONEq(t, string(orig.Params), string(round.Params))
	assert.Equal(t, StatusRunning, round.Status())
}

func TestTerminal_QueuedAndRunningAreNotTerminal(t *testing.T) {
	r := New(KindStatus, 1, "/tmp", nil)
	assert.False(t, r.Terminal())
	r.SetStatus(StatusRunning)
	assert.False(t, r.Terminal())
	r.SetStatus(StatusCancelled)
	assert.True(t, r.Terminal())
}
