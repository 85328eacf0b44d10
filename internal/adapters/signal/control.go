package signal

import (
	"github.com/dkeye/Party/internal/protocol"
)

func (s *Server) handlePing(c *wsConn, p protocol.PingPayload) {
	s.sendTo(c, s.builder.Pong(p.Timestamp))
}

func (s *Server) handleHeartbeat(c *wsConn) {
	s.roster.Touch(c.id, s.nowF())
}

func (s *Server) handleLeave(c *wsConn, p protocol.LeavePayload) {
	reason := p.Reason
	if reason == "" {
		reason = ReasonLeft
	}
	s.removeClient(c.id, reason)
	c.Close()
}
