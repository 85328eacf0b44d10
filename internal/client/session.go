package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

// readLoop owns l's inbound side. answered gets exactly one value: nil on
// WELCOME, the host's error on an admission ERROR, or ErrClosedEarly. Only a
// welcomed link reconnects when it goes away.
func (c *Client) readLoop(l *link, answered chan<- error) {
	reported, welcomed := false, false
	report := func(err error) {
		if !reported {
			reported = true
			welcomed = err == nil
			answered <- err
		}
	}

	var err error
	for {
		var data []byte
		if _, data, err = l.ws.ReadMessage(); err != nil {
			break
		}
		msg, derr := protocol.Decode(data)
		if derr != nil {
			c.logger.Warn().Err(derr).Msg("bad message from host")
			continue
		}
		if !msg.Type.SentByHost() {
			c.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message from host")
			continue
		}
		c.dispatch(l, msg, report)
	}

	if !reported {
		report(fmt.Errorf("%w: %v", ErrClosedEarly, err))
		return
	}
	if welcomed {
		c.linkLost(l, err)
	}
}

func (c *Client) dispatch(l *link, msg protocol.Message, report func(error)) {
	switch p := msg.Payload.(type) {
	case protocol.WelcomePayload:
		if c.welcomed(l, p) {
			report(nil)
		}
	case protocol.MemberListPayload:
		c.mu.Lock()
		c.roster = make(map[domain.DeviceID]domain.Member, len(p.Members))
		for _, mi := range p.Members {
			c.roster[mi.ID] = mi.Member()
		}
		members := c.membersLocked()
		c.mu.Unlock()
		c.emitMembers(members)
	case protocol.MemberJoinedPayload:
		m := p.Member.Member()
		c.mu.Lock()
		c.roster[m.ID] = m
		members := c.membersLocked()
		c.mu.Unlock()
		if c.handlers.OnMemberJoined != nil {
			c.handlers.OnMemberJoined(m)
		}
		c.emitMembers(members)
	case protocol.MemberLeftPayload:
		c.mu.Lock()
		delete(c.roster, p.DeviceID)
		members := c.membersLocked()
		c.mu.Unlock()
		if c.handlers.OnMemberLeft != nil {
			c.handlers.OnMemberLeft(p)
		}
		c.emitMembers(members)
	case protocol.KickedPayload:
		c.logger.Warn().Str("reason", p.Reason).Msg("kicked")
		if c.handlers.OnKicked != nil {
			c.handlers.OnKicked(p.Reason)
		}
		c.drop(l, "kicked: "+p.Reason)
	case protocol.SessionClosedPayload:
		if c.handlers.OnSessionClosed != nil {
			c.handlers.OnSessionClosed(p.Reason)
		}
		c.drop(l, "session closed: "+p.Reason)
	case protocol.ErrorPayload:
		perr := &protocol.Error{Code: p.Code, Message: p.Message}
		c.logger.Warn().Str("code", string(p.Code)).Str("msg", p.Message).Msg("host error")
		if c.handlers.OnError != nil {
			c.handlers.OnError(perr)
		}
		if p.Code.Admission() {
			report(perr)
		}
	case protocol.PingPayload:
		_ = c.send(l, c.builder.Pong(p.Timestamp))
	case protocol.PongPayload:
		c.measured(c.nowF().UnixMilli() - p.PingTimestamp)
	}
}

func (c *Client) welcomed(l *link, p protocol.WelcomePayload) bool {
	c.mu.Lock()
	if c.link != l || c.closing {
		c.mu.Unlock()
		return false
	}
	c.welcome = &p
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	// the reconnect loop that opened l cancels its own context on return
	c.stopRetry = nil
	c.mu.Unlock()

	c.logger.Info().Str("sid", string(p.SessionID)).Str("host", p.HostName).Msg("joined")
	c.emitState(StateConnected)
	if c.handlers.OnWelcome != nil {
		c.handlers.OnWelcome(p)
	}
	return true
}

func (c *Client) emitMembers(members []domain.Member) {
	if c.handlers.OnMembers != nil {
		c.handlers.OnMembers(members)
	}
}

func (c *Client) measured(ms int64) {
	if ms < 0 {
		ms = 0
	}
	c.mu.Lock()
	c.latency = &ms
	c.mu.Unlock()
	c.metrics.RoundTrip(context.Background(), ms)
	if c.handlers.OnLatency != nil {
		c.handlers.OnLatency(ms)
	}
}

// heartbeatLoop sends HEARTBEAT and PING every interval until the link is
// stopped.
func (c *Client) heartbeatLoop(ctx context.Context, l *link) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(l, c.builder.Heartbeat(c.cfg.Device.ID)); errors.Is(err, ErrLinkClosed) {
				return
			}
			_ = c.send(l, c.builder.Ping())
		}
	}
}

// linkLost runs when a Connected link's socket closes without us asking.
func (c *Client) linkLost(l *link, cause error) {
	c.mu.Lock()
	if c.link != l || c.closing || c.stopRetry != nil {
		c.mu.Unlock()
		return
	}
	c.link = nil
	if c.stopLink != nil {
		c.stopLink()
		c.stopLink = nil
	}
	c.lastErr = cause
	c.state = StateReconnecting
	ctx, stop := context.WithCancel(context.Background())
	c.stopRetry = stop
	c.wg.Add(1)
	c.mu.Unlock()

	l.Close()
	c.logger.Warn().Err(cause).Msg("connection lost, reconnecting")
	c.emitState(StateReconnecting)
	go c.reconnect(ctx, stop)
}

// reconnect retries with a fixed delay up to MaxReconnectAttempts, then
// settles in Failed. Nothing retries after that.
func (c *Client) reconnect(ctx context.Context, stop context.CancelFunc) {
	defer c.wg.Done()
	defer stop()
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.open(ctx)
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	c.mu.Lock()
	if c.closing || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.stopRetry = nil
	c.mu.Unlock()
	c.logger.Error().Int("attempts", c.cfg.MaxReconnectAttempts).Msg("giving up")
	c.emitState(StateFailed)
}
