package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/domain"
)

// CreateSession registers a session to host; maxMembers <= 0 uses
// DefaultMaxMembers.
func (o *Orchestrator) CreateSession(name string, maxMembers int) (*app.ActiveSession, error) {
	if o.Host == nil {
		return nil, ErrHostUnavailable
	}
	if o.isJoined() {
		return nil, ErrJoined
	}
	if maxMembers <= 0 {
		maxMembers = DefaultMaxMembers
	}
	s, err := o.Host.CreateSession(name, maxMembers)
	if err != nil {
		return nil, err
	}
	o.setSession(&SessionInfo{
		ID:         s.SessionID,
		Name:       s.Name,
		Code:       domain.FormatCode(s.Code),
		HostID:     s.HostID,
		HostName:   s.HostName,
		MaxMembers: s.MaxMembers,
		Role:       RoleHost,
		State:      StateCreated,
	})
	return s, nil
}

func (o *Orchestrator) StartHosting(ctx context.Context) error {
	if o.Host == nil {
		return ErrHostUnavailable
	}
	if o.isJoined() {
		return ErrJoined
	}

	o.mu.Lock()
	if o.hostUnsub == nil {
		o.hostUnsub = o.Host.SubscribeMembers(func(ms []domain.Member) {
			if o.Host.IsHosting() || ms == nil {
				o.members.Set(ms)
			}
		})
	}
	o.mu.Unlock()

	if err := o.Host.StartHosting(ctx); err != nil {
		return err
	}
	o.updateSession(func(s *SessionInfo) { s.State = StateHosting })
	o.members.Set(o.Host.Members())
	log.Info().Str("module", "orch").Msg("hosting")
	return nil
}

// StopHosting is a no-op when not hosting.
func (o *Orchestrator) StopHosting() {
	if o.Host == nil {
		return
	}
	o.mu.Lock()
	unsub := o.hostUnsub
	o.hostUnsub = nil
	o.mu.Unlock()

	wasHosting := o.Host.IsHosting()
	o.Host.StopHosting()
	if unsub != nil {
		unsub()
	}
	if cur := o.session.Get(); cur != nil && cur.Role == RoleHost {
		o.setSession(nil)
		o.members.Set(nil)
	}
	if wasHosting {
		log.Info().Str("module", "orch").Msg("hosting stopped")
	}
}

func (o *Orchestrator) KickMember(id domain.DeviceID, reason string) error {
	if o.Host == nil {
		return ErrHostUnavailable
	}
	return o.Host.KickMember(id, reason)
}

func (o *Orchestrator) isHosting() bool {
	return o.Host != nil && o.Host.IsHosting()
}
