package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type connState int

const (
	stateValidating connState = iota
	stateConnected
)

// wsConn is one accepted socket. Frames queued before Close are still
// flushed by the write pump.
type wsConn struct {
	conn   *websocket.Conn
	send   chan core.Frame
	remote string

	// owned by the read pump
	state connState
	id    domain.DeviceID

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn, remote string, buffer int) *wsConn {
	return &wsConn{conn: ws, send: make(chan core.Frame, buffer), remote: remote}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames; the write pump drains the queue, sends a
// close frame and releases the socket.
func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *wsConn) writePump(timeout time.Duration) {
	defer func() { _ = c.conn.Close() }()
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("remote", c.remote).Msg("writePump write error")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(timeout))
}
