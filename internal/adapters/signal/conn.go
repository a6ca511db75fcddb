package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confab-app/confab/internal/core"
)

// wsConn pairs a websocket with a bounded outbound queue. TrySend never
// blocks; a full queue surfaces as ErrSlowConsumer and the policy layer kicks
// the consumer instead of letting memory grow.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn, queue int) *wsConn {
	return &wsConn{
		conn: ws,
		send: make(chan core.Frame, queue),
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrSlowConsumer
	}
	select {
	case c.send <- f:
	default:
		return core.ErrSlowConsumer
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// CloseWithReason delivers a policy-violation close frame before tearing the
// connection down, so the client learns why it was dropped.
func (c *wsConn) CloseWithReason(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.mu.Unlock()
}
