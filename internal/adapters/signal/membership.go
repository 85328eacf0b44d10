package signal

import (
	"context"
	"errors"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

// removeClient drops id from the roster and the registry and tells the
// remaining clients. It reports false when id was not connected.
func (s *Server) removeClient(id domain.DeviceID, reason string) bool {
	ms, ok := s.roster.Remove(id)
	if !ok {
		return false
	}
	s.leaveRegistry(id)
	name := ms.Meta().Name
	s.broadcast(id, s.builder.MemberLeft(id, name, reason))

	s.metrics.ClientRemoved(context.Background(), reason)
	s.logger.Info().Str("device", string(id)).Str("reason", reason).Int("connected", s.roster.Count()).Msg("client removed")
	if s.handlers.OnClientLeft != nil {
		s.handlers.OnClientLeft(id, reason)
	}
	if s.handlers.OnMemberListChanged != nil {
		s.handlers.OnMemberListChanged(s.roster.Snapshot())
	}
	return true
}

func (s *Server) leaveRegistry(id domain.DeviceID) {
	if s.registry == nil {
		return
	}
	if err := s.registry.RemoveMember(s.session.ID, id); err != nil && !errors.Is(err, app.ErrSessionNotFound) {
		s.logger.Warn().Err(err).Str("device", string(id)).Msg("registry remove member")
	}
}

// onDisconnect handles a socket that went away without LEAVE.
func (s *Server) onDisconnect(c *wsConn) {
	if c.state != stateConnected {
		return
	}
	if ms, ok := s.roster.Get(c.id); !ok || ms.Signal() != core.SignalConnection(c) {
		return
	}
	s.removeClient(c.id, ReasonDisconnected)
}

// applyPolicy runs for every member whose buffer refused a frame. The frame
// was not queued for them either way.
func (s *Server) applyPolicy(slow []core.MemberSession, typ protocol.MessageType) {
	if s.policy == nil {
		return
	}
	for _, ms := range slow {
		switch s.policy.OnBackPressure(s.roster, ms) {
		case app.KickMember:
			if s.removeClient(ms.Meta().ID, ReasonSlowConsumer) {
				ms.Signal().Close()
			}
		case app.DropFrame:
			s.metrics.FrameDropped(context.Background(), string(typ))
			s.logger.Debug().Str("device", string(ms.Meta().ID)).Str("type", string(typ)).Msg("frame dropped")
		case app.NoAction:
		}
	}
}
