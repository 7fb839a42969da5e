// Package device is the coordinator's device layer (spec §4.8): physical
// serial ports are shared singletons the coordinator owns exclusively,
// leased out to callers in reader/writer/deploy modes, with a msgpack-RPC
// framing for commands sent to the board firmware. Grounded on the
// teacher's internal/mcu package (client.go/methods.go/protocol.go), which
// spoke the same msgpack-RPC shape to a different physical peer.
package device

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	msgTypeRequest      = 0
	msgTypeResponse     = 1
	msgTypeNotification = 2
)

// ReadTimeout/WriteTimeout bound a single RPC round-trip, mirroring the
// teacher's fixed socket deadlines.
const (
	ReadTimeout  = 5 * time.Second
	WriteTimeout = 5 * time.Second
)

// ErrNotConnected is returned when an RPC is attempted on a closed port.
var ErrNotConnected = errors.New("device: port not connected")

// RPCError mirrors an error object returned inside a msgpack-RPC response.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("device rpc error %d: %s", e.Code, e.Message) }

// rpcConn frames firmware commands over a physical port handle using the
// same [type, msgid, method, params] / [type, msgid, error, result] shape
// as the teacher's arduino-router protocol.
type rpcConn struct {
	mu    sync.Mutex
	conn  io.ReadWriteCloser
	msgID uint32
}

func newRPCConn(conn io.ReadWriteCloser) *rpcConn {
	return &rpcConn{conn: conn}
}

func (c *rpcConn) nextMsgID() uint32 {
	return atomic.AddUint32(&c.msgID, 1)
}

// Call performs a request/response RPC and decodes the result.
func (c *rpcConn) Call(method string, params ...interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextMsgID()
	request := []interface{}{msgTypeRequest, id, method, params}
	if err := c.sendMessage(request); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	response, err := c.readMessage()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(response) != 4 {
		return nil, fmt.Errorf("malformed response frame: %d fields", len(response))
	}
	if response[2] != nil {
		if errMap, ok := response[2].(map[string]interface{}); ok {
			code, _ := toInt(errMap["code"])
			msg, _ := errMap["message"].(string)
			return nil, &RPCError{Code: code, Message: msg}
		}
		return nil, fmt.Errorf("rpc error: %v", response[2])
	}
	return response[3], nil
}

// Notify sends a fire-and-forget message; the firmware sends no reply.
func (c *rpcConn) Notify(method string, params ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.sendMessage([]interface{}{msgTypeNotification, method, params})
}

func (c *rpcConn) sendMessage(msg interface{}) error {
	if nc, ok := c.conn.(net.Conn); ok {
		nc.SetWriteDeadline(time.Now().Add(WriteTimeout))
	}
	return msgpack.NewEncoder(c.conn).Encode(msg)
}

func (c *rpcConn) readMessage() ([]interface{}, error) {
	if nc, ok := c.conn.(net.Conn); ok {
		nc.SetReadDeadline(time.Now().Add(ReadTimeout))
	}
	var frame []interface{}
	if err := msgpack.NewDecoder(c.conn).Decode(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *rpcConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
