package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/core"
)

var (
	ErrBackpressure = errors.New("client: send buffer full")
	ErrLinkClosed   = errors.New("client: link closed")
)

// link is one dialed socket. A reconnect builds a new link; the old one is
// never reused.
type link struct {
	ws   *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newLink(ws *websocket.Conn, buffer int) *link {
	return &link{ws: ws, send: make(chan core.Frame, buffer)}
}

func (l *link) TrySend(f core.Frame) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLinkClosed
	}
	select {
	case l.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close lets the write pump flush what is queued, then the socket goes.
func (l *link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.send)
}

func (l *link) writePump(timeout time.Duration) {
	defer func() { _ = l.ws.Close() }()
	for data := range l.send {
		if err := l.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return
		}
		if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("write failed")
			return
		}
	}
	_ = l.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout),
	)
}
