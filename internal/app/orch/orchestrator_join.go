package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

// DiscoverSessions starts discovery; the Discovered value follows every
// found and lost session.
func (o *Orchestrator) DiscoverSessions(ctx context.Context, opts discovery.Options) error {
	if o.Discovery == nil {
		return ErrNoDiscovery
	}
	o.mu.Lock()
	if o.discoUnsub == nil {
		refresh := func() { o.discovered.Set(o.Discovery.DiscoveredSessions()) }
		o.discoUnsub = o.Discovery.Subscribe(
			func(discovery.DiscoveredSession) { refresh() },
			func(domain.SessionID) { refresh() },
		)
	}
	o.mu.Unlock()
	return o.Discovery.StartDiscovery(ctx, opts)
}

// StopDiscovery keeps the last discovered list so a UI can still join from
// it.
func (o *Orchestrator) StopDiscovery() {
	if o.Discovery == nil {
		return
	}
	o.Discovery.StopDiscovery()
	o.mu.Lock()
	unsub := o.discoUnsub
	o.discoUnsub = nil
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// JoinSession joins a discovered session through its advertised endpoint.
func (o *Orchestrator) JoinSession(ctx context.Context, id domain.SessionID) error {
	if o.isHosting() {
		return ErrHosting
	}
	if o.Discovery == nil {
		return ErrNoDiscovery
	}
	ds, ok := o.Discovery.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	endpoint, ok := ds.Endpoint()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, id)
	}
	return o.join(ctx, endpoint, id, "", &ds.Advertisement)
}

// JoinAddress joins a host directly, by session id or by code, without
// discovery.
func (o *Orchestrator) JoinAddress(ctx context.Context, endpoint string, id domain.SessionID, code string) error {
	return o.join(ctx, endpoint, id, code, nil)
}

func (o *Orchestrator) join(ctx context.Context, endpoint string, id domain.SessionID, code string, adv *domain.SessionAdvertisement) error {
	if o.isHosting() {
		return ErrHosting
	}

	cfg := o.ClientConfig
	cfg.URL = client.URL(endpoint)
	cfg.SessionID = id
	cfg.SessionCode = code
	cfg.Device = o.Device
	var c *client.Client
	c = client.New(cfg, o.clientHandlers(func() bool { return o.Client() == c })).WithMetrics(o.Metrics)

	o.mu.Lock()
	prev := o.joined
	if prev != nil && live(prev) {
		o.mu.Unlock()
		return ErrAlreadyJoined
	}
	o.joined = c
	o.mu.Unlock()
	if prev != nil {
		prev.Disconnect("")
	}

	info := &SessionInfo{ID: id, Role: RoleGuest, State: string(client.StateConnecting)}
	if adv != nil {
		info.Name = adv.SessionName
		info.HostID = adv.HostID
		info.HostName = adv.HostName
		info.MaxMembers = adv.MaxMembers
	}
	o.setSession(info)
	o.quality.Set(QualityUnknown)

	if err := c.Connect(ctx); err != nil {
		o.mu.Lock()
		current := o.joined == c
		if current {
			o.joined = nil
		}
		o.mu.Unlock()
		c.Disconnect("")
		if current {
			o.setSession(nil)
			o.members.Set(nil)
		}
		return err
	}
	log.Info().Str("module", "orch").Str("endpoint", endpoint).Msg("joined session")
	return nil
}

// clientHandlers feed the observable state while current reports the client
// is still the joined one; a replaced or abandoned client goes quiet.
func (o *Orchestrator) clientHandlers(current func() bool) client.Handlers {
	return client.Handlers{
		OnStateChange: func(s client.State) {
			if !current() {
				return
			}
			o.updateSession(func(si *SessionInfo) {
				if si.Role == RoleGuest {
					si.State = string(s)
				}
			})
		},
		OnWelcome: func(p protocol.WelcomePayload) {
			if !current() {
				return
			}
			o.updateSession(func(si *SessionInfo) {
				si.ID = p.SessionID
				si.Name = p.SessionName
				si.HostID = p.HostID
				si.HostName = p.HostName
			})
		},
		OnMembers: func(ms []domain.Member) {
			if current() {
				o.members.Set(ms)
			}
		},
		OnKicked: func(reason string) {
			if !current() {
				return
			}
			o.updateSession(func(si *SessionInfo) { si.Reason = "kicked: " + reason })
		},
		OnSessionClosed: func(reason string) {
			if !current() {
				return
			}
			o.updateSession(func(si *SessionInfo) { si.Reason = "closed: " + reason })
		},
		OnLatency: func(ms int64) {
			if current() {
				o.quality.Set(QualityFor(ms))
			}
		},
	}
}

// LeaveSession disconnects from the joined session.
func (o *Orchestrator) LeaveSession() error {
	o.mu.Lock()
	c := o.joined
	o.joined = nil
	o.mu.Unlock()
	if c == nil {
		return ErrNotJoined
	}
	c.Disconnect("left")
	o.setSession(nil)
	o.members.Set(nil)
	o.quality.Set(QualityUnknown)
	return nil
}

// Client is the joined session's connection, nil when not joined.
func (o *Orchestrator) Client() *client.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.joined
}

func (o *Orchestrator) isJoined() bool {
	o.mu.Lock()
	c := o.joined
	o.mu.Unlock()
	return c != nil && live(c)
}

func live(c *client.Client) bool {
	switch c.State() {
	case client.StateDisconnected, client.StateFailed:
		return false
	}
	return true
}
