// Package signal is the host side of the session wire protocol: a
// WebSocket endpoint that admits clients, keeps the roster and fans out
// membership changes.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/dkeye/Party/internal/telemetry"
)

const (
	DefaultHeartbeatTimeout = 15 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultJoinTimeout      = 10 * time.Second
	DefaultReadLimit        = 32768
	DefaultSendBuffer       = 32
	DefaultWriteTimeout     = 5 * time.Second
)

// Reasons carried by MEMBER_LEFT.
const (
	ReasonLeft          = "left"
	ReasonDisconnected  = "disconnected"
	ReasonTimeout       = "timeout"
	ReasonKicked        = "kicked"
	ReasonSlowConsumer  = "slow_consumer"
	ReasonSessionClosed = "session_closed"
)

var (
	ErrCannotKickHost = errors.New("signal: the host cannot be kicked")
	ErrMemberNotFound = errors.New("signal: member not connected")
)

type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	JoinTimeout      time.Duration
	ReadLimit        int64
	SendBuffer       int
	WriteTimeout     time.Duration
	// JoinRateLimit attempts per JoinRateWindow per device; zero disables.
	JoinRateLimit  int
	JoinRateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.JoinRateWindow <= 0 {
		c.JoinRateWindow = 10 * time.Second
	}
	return c
}

// Handlers are invoked from connection goroutines; they must not block.
type Handlers struct {
	OnClientJoined      func(domain.Member)
	OnClientLeft        func(id domain.DeviceID, reason string)
	OnMemberListChanged func([]domain.Member)
}

// Membership is the registry view the server needs. The app Registry
// implements it.
type Membership interface {
	ValidateSessionCode(code string) app.Validation
	AddMember(sessionID domain.SessionID, memberID domain.DeviceID) error
	RemoveMember(sessionID domain.SessionID, memberID domain.DeviceID) error
}

// Session identifies what the server hosts.
type Session struct {
	ID         domain.SessionID
	Name       string
	MaxMembers int
}

type Server struct {
	cfg      Config
	session  Session
	roster   core.RosterService
	registry Membership
	policy   app.Policy
	limiter  *JoinRateLimiter
	builder  *protocol.Builder
	metrics  *telemetry.Metrics
	handlers Handlers
	logger   zerolog.Logger
	nowF     func() time.Time
	upgrader websocket.Upgrader

	// serializes admission so capacity checks and adds are atomic
	admitMu sync.Mutex

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
	sweepWG sync.WaitGroup
	pumpWG  sync.WaitGroup
}

func NewServer(host domain.Member, session Session, registry Membership, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		session:  session,
		roster:   core.NewRoster(host),
		registry: registry,
		policy:   app.SimplePolicy{},
		limiter:  NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateWindow),
		builder:  protocol.NewBuilder(),
		logger:   log.With().Str("module", "signal").Str("sid", string(session.ID)).Logger(),
		nowF:     time.Now,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[*wsConn]struct{}),
	}
}

func (s *Server) WithPolicy(p app.Policy) *Server {
	s.policy = p
	return s
}

func (s *Server) WithMetrics(m *telemetry.Metrics) *Server {
	s.metrics = m
	return s
}

// WithHandlers must be called before Start.
func (s *Server) WithHandlers(h Handlers) *Server {
	s.handlers = h
	return s
}

func (s *Server) Session() Session { return s.session }

// Start launches the heartbeat sweep. Connections are accepted through
// HandleSignal once started.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.sweepWG.Add(1)
	go s.sweepLoop(ctx)
	s.logger.Info().Int("max", s.session.MaxMembers).Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).Msg("connection server started")
}

// HandleSignal upgrades the request and runs the connection's pumps.
func (s *Server) HandleSignal(c *gin.Context) {
	s.mu.Lock()
	accepting := s.started && !s.stopped
	s.mu.Unlock()
	if !accepting {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session not accepting connections"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)
	conn := newWSConn(ws, c.ClientIP(), s.cfg.SendBuffer)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.pumpWG.Add(2)
	s.mu.Unlock()

	s.logger.Info().Str("remote", conn.remote).Msg("new WS connection")
	go func() {
		defer s.pumpWG.Done()
		conn.writePump(s.cfg.WriteTimeout)
	}()
	go func() {
		defer s.pumpWG.Done()
		s.readPump(conn)
	}()
}

// ConnectedCount is host plus connected clients, recomputed on each call.
func (s *Server) ConnectedCount() int { return s.roster.Count() }

func (s *Server) Members() []domain.Member { return s.roster.Snapshot() }

// KickClient sends KICKED and closes the client's connection.
func (s *Server) KickClient(id domain.DeviceID, reason string) error {
	if id == s.roster.Host().ID {
		return ErrCannotKickHost
	}
	ms, ok := s.roster.Get(id)
	if !ok {
		return ErrMemberNotFound
	}
	s.sendTo(ms.Signal(), s.builder.Kicked(reason))
	s.removeClient(id, ReasonKicked)
	ms.Signal().Close()
	s.logger.Info().Str("device", string(id)).Str("reason", reason).Msg("client kicked")
	return nil
}

// Stop sends SESSION_CLOSED to every client, closes every socket and waits
// for the connection goroutines. Safe to call more than once.
func (s *Server) Stop(reason string) {
	s.admitMu.Lock()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.admitMu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	s.admitMu.Unlock()

	if reason == "" {
		reason = "host stopped the session"
	}
	if frame, err := protocol.Encode(s.builder.SessionClosed(reason)); err == nil {
		s.roster.Broadcast(s.roster.Host().ID, frame)
	}
	for _, ms := range s.roster.Clients() {
		id := ms.Meta().ID
		s.roster.Remove(id)
		s.leaveRegistry(id)
		s.metrics.ClientRemoved(context.Background(), ReasonSessionClosed)
		if s.handlers.OnClientLeft != nil {
			s.handlers.OnClientLeft(id, ReasonSessionClosed)
		}
	}
	if s.handlers.OnMemberListChanged != nil {
		s.handlers.OnMemberListChanged(s.roster.Snapshot())
	}
	for _, c := range conns {
		c.Close()
	}

	if cancel != nil {
		cancel()
	}
	s.sweepWG.Wait()
	s.pumpWG.Wait()
	s.logger.Info().Msg("connection server stopped")
}

func (s *Server) forget(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
