package signal

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

// handleJoin runs admission in a fixed order: session, duplicate device,
// capacity, protocol version. Any rejection sends ERROR and closes.
func (s *Server) handleJoin(c *wsConn, p protocol.JoinPayload) {
	ctx, span := s.metrics.Tracer().Start(context.Background(), "party.join")
	defer span.End()
	span.SetAttributes(
		attribute.String("party.session", string(s.session.ID)),
		attribute.String("party.device", string(p.DeviceID)),
	)

	if !s.limiter.Allow(string(p.DeviceID)) {
		s.reject(ctx, c, protocol.Errorf(protocol.CodeUnauthorized, "too many join attempts"))
		span.SetStatus(codes.Error, string(protocol.CodeUnauthorized))
		return
	}

	member, perr := s.admit(c, p)
	if perr != nil {
		s.reject(ctx, c, perr)
		span.SetStatus(codes.Error, string(perr.Code))
		return
	}

	// liveness is the heartbeat sweep's job from here on
	_ = c.conn.SetReadDeadline(time.Time{})
	c.id = member.ID
	c.state = stateConnected

	s.sendTo(c, s.builder.Welcome(s.welcomeAdvertisement(), member.ID, member.JoinedAt))
	snapshot := s.roster.Snapshot()
	s.sendTo(c, s.builder.MemberList(snapshot))
	s.broadcast(member.ID, s.builder.MemberJoined(member))

	s.metrics.JoinAccepted(ctx)
	s.logger.Info().Str("device", string(member.ID)).Str("name", member.Name).Str("remote", c.remote).
		Int("connected", s.roster.Count()).Msg("client joined")
	if s.handlers.OnClientJoined != nil {
		s.handlers.OnClientJoined(member)
	}
	if s.handlers.OnMemberListChanged != nil {
		s.handlers.OnMemberListChanged(snapshot)
	}
}

func (s *Server) admit(c *wsConn, p protocol.JoinPayload) (domain.Member, *protocol.Error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if s.isStopped() || !s.matchesSession(p) {
		return domain.Member{}, protocol.Errorf(protocol.CodeSessionNotFound, "no such session")
	}
	if s.roster.Has(p.DeviceID) {
		return domain.Member{}, protocol.Errorf(protocol.CodeAlreadyJoined, "device %s is already connected", p.DeviceID)
	}
	if s.roster.ClientCount() >= s.session.MaxMembers {
		return domain.Member{}, protocol.Errorf(protocol.CodeSessionFull, "session is full")
	}
	if !protocol.Compatible(p.Version) {
		return domain.Member{}, protocol.Errorf(protocol.CodeVersionMismatch,
			"protocol %s is not compatible with %s", p.Version, protocol.ProtocolVersion)
	}

	if s.registry != nil {
		if err := s.registry.AddMember(s.session.ID, p.DeviceID); err != nil {
			if errors.Is(err, app.ErrSessionFull) {
				return domain.Member{}, protocol.Errorf(protocol.CodeSessionFull, "session is full")
			}
			return domain.Member{}, protocol.Errorf(protocol.CodeSessionNotFound, "%v", err)
		}
	}

	device := domain.Device{ID: p.DeviceID, Name: p.DeviceName}
	member := domain.NewMember(&device, domain.RoleClient, c.remote, s.nowF())
	if !s.roster.Add(core.NewMemberSession(member, c)) {
		s.leaveRegistry(p.DeviceID)
		return domain.Member{}, protocol.Errorf(protocol.CodeAlreadyJoined, "device %s is already connected", p.DeviceID)
	}
	return *member, nil
}

// matchesSession accepts the hosted id, or a code the registry resolves
// to it. A full session still matches so the capacity check reports it.
func (s *Server) matchesSession(p protocol.JoinPayload) bool {
	if p.SessionID != "" {
		return p.SessionID == s.session.ID
	}
	if p.SessionCode == "" || s.registry == nil {
		return false
	}
	v := s.registry.ValidateSessionCode(p.SessionCode)
	if v.SessionID != s.session.ID {
		return false
	}
	return v.Valid || errors.Is(v.Reason, app.ErrSessionFull)
}

func (s *Server) reject(ctx context.Context, c *wsConn, perr *protocol.Error) {
	s.logger.Info().Str("code", string(perr.Code)).Str("remote", c.remote).Str("reason", perr.Message).Msg("join rejected")
	s.metrics.JoinRejected(ctx, string(perr.Code))
	s.sendTo(c, s.builder.Error(perr.Code, perr.Message))
	c.Close()
}

func (s *Server) welcomeAdvertisement() domain.SessionAdvertisement {
	host := s.roster.Host()
	return domain.SessionAdvertisement{
		SessionID:   s.session.ID,
		SessionName: s.session.Name,
		HostID:      host.ID,
		HostName:    host.Name,
	}
}
