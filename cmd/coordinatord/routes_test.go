package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arduino-build/coordinator/internal/lockmgr"
	"github.com/arduino-build/coordinator/internal/request"
)

func newReq(t *testing.T, kind request.Kind, params interface{}) *request.Request {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return request.New(kind, 1234, "/tmp", raw)
}

func TestLockPlan_BuildLocksEnvironmentByName(t *testing.T) {
	req := newReq(t, request.KindBuild, buildParams{
		Environment: environmentParams{Name: "uno", Platform: "avr"},
	})

	specs := lockPlan(req)

	require.Len(t, specs, 1)
	assert.Equal(t, "env:uno", specs[0].Name)
	assert.Equal(t, lockmgr.PolicyBlock, specs[0].Policy)
}

func TestLockPlan_DeployLocksDeviceByPortAndPreempts(t *testing.T) {
	req := newReq(t, request.KindDeploy, deployParams{Port: "/dev/ttyACM0"})

	specs := lockPlan(req)

	require.Len(t, specs, 1)
	assert.Equal(t, "device:/dev/ttyACM0", specs[0].Name)
	assert.Equal(t, lockmgr.PolicyPreempt, specs[0].Policy)
}

func TestLockPlan_MonitorAndInstallDepsTakeNoNamedLock(t *testing.T) {
	monitor := newReq(t, request.KindMonitor, monitorParams{Port: "/dev/ttyACM0"})
	assert.Nil(t, lockPlan(monitor))

	install := newReq(t, request.KindInstallDeps, installDepsParams{})
	assert.Nil(t, lockPlan(install))
}

func TestLockPlan_MalformedOrEmptyParamsYieldNoLock(t *testing.T) {
	buildNoName := newReq(t, request.KindBuild, buildParams{})
	assert.Nil(t, lockPlan(buildNoName))

	deployNoPort := newReq(t, request.KindDeploy, deployParams{})
	assert.Nil(t, lockPlan(deployNoPort))
}
