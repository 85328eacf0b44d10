// Package client is the joiner side of the session wire protocol. A Client
// dials the host, performs the JOIN handshake, keeps a local copy of the
// roster, measures latency and reconnects after unexpected drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/dkeye/Party/internal/telemetry"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 5 * time.Second
	DefaultReconnectDelay       = 2 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultSendBuffer           = 32
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReadLimit            = 1 << 20
)

var (
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrClosedEarly      = errors.New("client: connection closed before WELCOME")
	ErrDisconnected     = errors.New("client: disconnected")
)

// URL builds the WebSocket address of a host endpoint ("ip:port").
func URL(endpoint string) string {
	return "ws://" + endpoint + protocol.SignalPath
}

// URLFor is URL for a split address.
func URLFor(host string, port int) string {
	return URL(net.JoinHostPort(host, strconv.Itoa(port)))
}

type Config struct {
	URL string
	// SessionID or SessionCode picks the session; the host resolves codes.
	SessionID   domain.SessionID
	SessionCode string
	Device      domain.Device

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	SendBuffer           int
	WriteTimeout         time.Duration
	ReadLimit            int64
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	} else if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}

// Handlers are called from the client's goroutines and must not block or
// call Disconnect synchronously.
type Handlers struct {
	OnStateChange   func(State)
	OnWelcome       func(protocol.WelcomePayload)
	OnMembers       func([]domain.Member)
	OnMemberJoined  func(domain.Member)
	OnMemberLeft    func(protocol.MemberLeftPayload)
	OnKicked        func(reason string)
	OnSessionClosed func(reason string)
	OnError         func(*protocol.Error)
	OnLatency       func(ms int64)
}

type Client struct {
	cfg      Config
	handlers Handlers
	builder  *protocol.Builder
	dialer   *websocket.Dialer
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	nowF     func() time.Time

	mu        sync.Mutex
	state     State
	link      *link
	stopLink  context.CancelFunc
	stopRetry context.CancelFunc
	closing   bool
	attempts  int
	lastErr   error
	welcome   *protocol.WelcomePayload
	roster    map[domain.DeviceID]domain.Member
	latency   *int64

	// Add only under mu while !closing, so Disconnect can Wait.
	wg sync.WaitGroup
}

func New(cfg Config, h Handlers) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		handlers: h,
		builder:  protocol.NewBuilder(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		logger: log.With().Str("module", "client").
			Str("device", string(cfg.Device.ID)).Logger(),
		nowF:   time.Now,
		state:  StateDisconnected,
		roster: make(map[domain.DeviceID]domain.Member),
	}
}

func (c *Client) WithMetrics(m *telemetry.Metrics) *Client {
	c.metrics = m
	return c
}

// Connect dials the host and returns once the JOIN was answered. A rejected
// JOIN returns the host's *protocol.Error and leaves the client
// Disconnected; it is not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closing = false
	c.attempts = 0
	c.lastErr = nil
	c.welcome = nil
	c.latency = nil
	c.roster = make(map[domain.DeviceID]domain.Member)
	c.state = StateConnecting
	c.mu.Unlock()
	c.emitState(StateConnecting)

	c.logger.Info().Str("url", c.cfg.URL).Str("sid", string(c.cfg.SessionID)).Msg("connecting")
	if err := c.open(ctx); err != nil {
		c.mu.Lock()
		c.lastErr = err
		changed := c.state == StateConnecting
		if changed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if changed {
			c.emitState(StateDisconnected)
		}
		c.logger.Warn().Err(err).Msg("connect failed")
		return err
	}
	return nil
}

// open dials, sends JOIN and waits for the answer. On success the link is
// installed and its loops run until the socket goes away.
func (c *Client) open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}
	ws.SetReadLimit(c.cfg.ReadLimit)
	l := newLink(ws, c.cfg.SendBuffer)
	linkCtx, stopLink := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		stopLink()
		_ = ws.Close()
		return ErrDisconnected
	}
	c.link = l
	c.stopLink = stopLink
	c.wg.Add(2)
	c.mu.Unlock()

	answered := make(chan error, 1)
	go func() {
		defer c.wg.Done()
		l.writePump(c.cfg.WriteTimeout)
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(l, answered)
	}()

	if err := c.send(l, c.builder.Join(c.cfg.SessionID, c.cfg.SessionCode, c.cfg.Device)); err != nil {
		c.abandon(l)
		return err
	}

	select {
	case err := <-answered:
		if err != nil {
			c.abandon(l)
			return err
		}
	case <-ctx.Done():
		c.abandon(l)
		return fmt.Errorf("client: waiting for WELCOME: %w", ctx.Err())
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if c.link != l {
		// welcomed, then lost before the heartbeat started; linkLost owns
		// the retry
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go c.heartbeatLoop(linkCtx, l)
	return nil
}

// abandon drops a link that never made it to Connected.
func (c *Client) abandon(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
		if c.stopLink != nil {
			c.stopLink()
			c.stopLink = nil
		}
	}
	c.mu.Unlock()
	l.Close()
}

// Disconnect sends LEAVE best effort, closes the socket and cancels any
// pending reconnect. Safe to call in any state and more than once.
func (c *Client) Disconnect(reason string) {
	c.mu.Lock()
	c.closing = true
	l := c.link
	c.link = nil
	if c.stopLink != nil {
		c.stopLink()
		c.stopLink = nil
	}
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if l != nil {
		if reason == "" {
			reason = "left"
		}
		if err := c.send(l, c.builder.Leave(c.cfg.Device.ID, reason)); err != nil {
			c.logger.Debug().Err(err).Msg("LEAVE not sent")
		}
		l.Close()
	}
	c.wg.Wait()

	if prev != StateDisconnected {
		c.emitState(StateDisconnected)
		c.logger.Info().Str("reason", reason).Msg("disconnected")
	}
}

// drop closes the link locally after KICKED or SESSION_CLOSED. No LEAVE and
// no reconnect.
func (c *Client) drop(l *link, reason string) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	if c.stopLink != nil {
		c.stopLink()
		c.stopLink = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()
	l.Close()
	c.emitState(StateDisconnected)
	c.logger.Info().Str("reason", reason).Msg("dropped by host")
}

func (c *Client) send(l *link, m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := l.TrySend(frame); err != nil {
		c.logger.Warn().Err(err).Str("type", string(m.Type)).Msg("send failed")
		return err
	}
	return nil
}

func (c *Client) emitState(s State) {
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the reconnect attempt in progress, or the last one made
// before Failed.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Latency is the last measured round trip in ms, nil before the first PONG.
func (c *Client) Latency() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latency == nil {
		return nil
	}
	v := *c.latency
	return &v
}

func (c *Client) Welcome() (protocol.WelcomePayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return protocol.WelcomePayload{}, false
	}
	return *c.welcome, true
}

// Members is the local roster copy, host first, then by join time.
func (c *Client) Members() []domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Client) membersLocked() []domain.Member {
	out := make([]domain.Member, 0, len(c.roster))
	for _, m := range c.roster {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsHost() != out[j].IsHost() {
			return out[i].IsHost()
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
