package signal

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

func (s *Server) readPump(c *wsConn) {
	defer func() {
		s.onDisconnect(c)
		c.Close()
		s.forget(c)
	}()

	// a connection that never sends JOIN is dropped
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.JoinTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				s.logger.Debug().Err(err).Str("remote", c.remote).Str("device", string(c.id)).Msg("readPump read error")
			}
			return
		}
		s.handleSignal(c, data)
	}
}

func (s *Server) handleSignal(c *wsConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.Errorf(protocol.CodeInvalidMessage, "%v", err)
		}
		s.logger.Warn().Err(err).Str("remote", c.remote).Msg("bad message")
		s.sendTo(c, s.builder.Error(perr.Code, perr.Message))
		return
	}
	if !msg.Type.SentByClient() {
		s.sendTo(c, s.builder.Error(protocol.CodeInvalidMessage, "unexpected message type "+string(msg.Type)))
		return
	}

	if c.state == stateValidating {
		switch p := msg.Payload.(type) {
		case protocol.JoinPayload:
			s.handleJoin(c, p)
		case protocol.PingPayload:
			s.handlePing(c, p)
		case protocol.LeavePayload:
			c.Close()
		default:
			s.sendTo(c, s.builder.Error(protocol.CodeInvalidMessage, "JOIN required first"))
		}
		return
	}

	switch p := msg.Payload.(type) {
	case protocol.JoinPayload:
		s.sendTo(c, s.builder.Error(protocol.CodeInvalidMessage, "already joined on this connection"))
	case protocol.LeavePayload:
		s.handleLeave(c, p)
	case protocol.HeartbeatPayload:
		s.handleHeartbeat(c)
	case protocol.PingPayload:
		s.handlePing(c, p)
	case protocol.PongPayload:
	}
}

// sendTo encodes and queues one message. A full queue goes to the
// backpressure policy.
func (s *Server) sendTo(conn core.SignalConnection, m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(m.Type)).Msg("encode")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		s.logger.Debug().Err(err).Str("type", string(m.Type)).Msg("send dropped")
		if errors.Is(err, ErrBackpressure) {
			if ms := s.sessionOf(conn); ms != nil {
				s.applyPolicy([]core.MemberSession{ms}, m.Type)
			}
		}
	}
}

// broadcast sends m to every client except from.
func (s *Server) broadcast(from domain.DeviceID, m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(m.Type)).Msg("encode")
		return
	}
	res := s.roster.Broadcast(from, frame)
	if len(res.Dropped) > 0 {
		s.applyPolicy(res.Dropped, m.Type)
	}
}

func (s *Server) sessionOf(conn core.SignalConnection) core.MemberSession {
	for _, ms := range s.roster.Clients() {
		if ms.Signal() == conn {
			return ms
		}
	}
	return nil
}
