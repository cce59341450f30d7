package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lolygagv2/dogbot-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// wsConn wraps a WebSocket connection behind the registry's Conn interface.
// Writes are serialized by writeMu because frames arrive from many read
// loops plus the liveness ticker; reads stay single-goroutine in the owning
// handler.
type wsConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	closed  atomic.Bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(f *protocol.Frame) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and tears the transport down. Idempotent:
// the registry, the liveness monitor, and a replacing connection may all
// race to close the same handle.
//
// Registry and session cleanup run in the owning handler's read-loop
// epilogue, not here. The closed flag makes any Send racing that epilogue
// fail with net.ErrClosed, so a lookup that still returns this handle can
// never deliver a frame on it.
func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		err = c.conn.Close()
		c.writeMu.Unlock()
	})
	return err
}

// ping sends a WebSocket control ping. Control frames share the write lock
// with Send so they never interleave mid-message.
func (c *wsConn) ping() error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}
