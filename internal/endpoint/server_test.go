package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/arduino-build/coordinator/internal/buildctx"
	"github.com/arduino-build/coordinator/internal/cancel"
	"github.com/arduino-build/coordinator/internal/compile"
	"github.com/arduino-build/coordinator/internal/device"
	"github.com/arduino-build/coordinator/internal/dispatcher"
	"github.com/arduino-build/coordinator/internal/lockmgr"
	"github.com/arduino-build/coordinator/internal/request"
)

// newTestServer builds a Server with a given device dialer and lock
// manager (so tests needing pre-acquired locks can share one), wiring
// everything else with no-op defaults.
func newTestServer(t *testing.T, lm *lockmgr.Manager, dial device.Dialer) *Server {
	t.Helper()
	cr := cancel.New(zerolog.Nop(), t.TempDir())
	pool := compile.New(1, zerolog.Nop())
	d := dispatcher.New(lm, cr, pool, nil, nil, zerolog.Nop())
	devices := device.New(dial, zerolog.Nop())
	return New(d, devices, lm, 4242, zerolog.Nop())
}

func refusingDial(string) (io.ReadWriteCloser, error) { return nil, assertErr }

func pipeDial(string) (io.ReadWriteCloser, error) {
	_, client := net.Pipe()
	return client, nil
}

func newLockMgr() *lockmgr.Manager {
	return lockmgr.New(zerolog.Nop(), func(int) bool { return true })
}

func TestHandleDaemonStatus_ReturnsOKAndPID(t *testing.T) {
	s := newTestServer(t, newLockMgr(), refusingDial)

	req := httptest.NewRequest(http.MethodGet, "/api/daemon/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, float64(4242), body["pid"])
}

func TestHandleLocksStatus_ReturnsHeldLocks(t *testing.T) {
	lm := newLockMgr()
	_, err := lm.Acquire("env:uno", 1, lockmgr.PolicyBlock)
	require.NoError(t, err)

	s := newTestServer(t, lm, refusingDial)

	req := httptest.NewRequest(http.MethodPost, "/api/locks/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]lockmgr.Lock
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body["locks"], 1)
}

func TestHandleSubmit_UnwiredKindReturns501(t *testing.T) {
	s := newTestServer(t, newLockMgr(), refusingDial)

	body, _ := json.Marshal(submitPayload{CallerPID: 1, CallerCwd: "/tmp"})
	req := httptest.NewRequest(http.MethodPost, "/api/build", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleSubmit_DispatchesAndStatusStreamReportsSucceeded(t *testing.T) {
	s := newTestServer(t, newLockMgr(), refusingDial)
	s.WithRoutes(Routes{
		Handlers: map[request.Kind]dispatcher.Handler{
			request.KindBuild: func(ctx context.Context, bctx *buildctx.Context, r *request.Request, tr *dispatcher.JobTracker) error {
				return nil
			},
		},
	})
	ts := httptest.NewServer(s)
	defer ts.Close()

	body, _ := json.Marshal(submitPayload{CallerPID: 1, CallerCwd: "/tmp"})
	resp, err := http.Post(ts.URL+"/api/build", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var sub submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	resp.Body.Close()
	assert.NotEmpty(t, sub.RequestID)

	wsURL := "ws" + ts.URL[len("http"):] + sub.StreamURL
	ctx, cancelFn := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelFn()
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	var lastMsg statusMessage
	for i := 0; i < 20; i++ {
		var msg statusMessage
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			break
		}
		lastMsg = msg
		if msg.Status == string(request.StatusSucceeded) {
			break
		}
	}
	assert.Equal(t, string(request.StatusSucceeded), lastMsg.Status)
}

func TestHandleDeviceLease_AcquiresReaderLease(t *testing.T) {
	s := newTestServer(t, newLockMgr(), pipeDial)

	body, _ := json.Marshal(leaseRequest{ClientID: "tester", Mode: device.ModeReader})
	req := httptest.NewRequest(http.MethodPost, "/api/devices/COM1/lease", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var lr leaseResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&lr))
	assert.NotEmpty(t, lr.LeaseID)
}

var assertErr = &testErr{"dial refused"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
