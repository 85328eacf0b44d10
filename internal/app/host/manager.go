// Package host runs a hosted session end to end: the registry entry, the
// connection server behind the HTTP router and the LAN broadcast.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Party/internal/adapters/http"
	"github.com/dkeye/Party/internal/adapters/netx"
	"github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/broadcast"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/telemetry"
)

const (
	DefaultListenAddr      = ":8787"
	DefaultShutdownTimeout = 5 * time.Second

	codeAttempts = 5
)

var (
	ErrNoSession      = errors.New("host: no session created")
	ErrAlreadyHosting = errors.New("host: already hosting")
	ErrNotHosting     = errors.New("host: not hosting")
)

type Config struct {
	Device domain.Device
	// Mode is the router mode: release, debug or test.
	Mode       string
	ListenAddr string
	// AdvertiseIP overrides the detected LAN address.
	AdvertiseIP     string
	Signal          signal.Config
	Broadcast       broadcast.Options
	ShutdownTimeout time.Duration
}

// Manager is the host-facing API. Create a session, then StartHosting.
type Manager struct {
	cfg       Config
	registry  *app.Registry
	broadcast *broadcast.Service
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	nowF      func() time.Time

	mu      sync.Mutex
	session *app.ActiveSession
	server  *signal.Server
	httpSrv *http.Server
	addr    net.Addr
	serveWG sync.WaitGroup

	members core.Observers[[]domain.Member]
}

func NewManager(cfg Config, registry *app.Registry, bc *broadcast.Service) *Manager {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if bc == nil {
		bc = broadcast.NewService()
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		broadcast: bc,
		logger:    log.With().Str("module", "app.host").Str("device", string(cfg.Device.ID)).Logger(),
		nowF:      time.Now,
	}
}

func (m *Manager) WithMetrics(mt *telemetry.Metrics) *Manager {
	m.metrics = mt
	return m
}

// SubscribeMembers delivers the roster after every change; nil once
// hosting stops.
func (m *Manager) SubscribeMembers(fn func([]domain.Member)) func() {
	return m.members.Subscribe(fn)
}

// CreateSession registers a new session with a fresh id and code. A
// previously created, never hosted session is replaced.
func (m *Manager) CreateSession(name string, maxMembers int) (*app.ActiveSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = m.cfg.Device.Name + "'s party"
	}
	if len(name) > domain.MaxSessionNameLen {
		return nil, domain.ErrSessionNameTooLong
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		return nil, ErrAlreadyHosting
	}
	if m.session != nil {
		m.registry.RemoveSession(m.session.SessionID)
		m.session = nil
	}

	var lastErr error
	for i := 0; i < codeAttempts; i++ {
		code, err := domain.GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("host: generate code: %w", err)
		}
		id := domain.SessionID(uuid.NewString())
		s, err := m.registry.RegisterSession(id, code, name, m.cfg.Device.ID, m.cfg.Device.Name, maxMembers)
		if errors.Is(err, app.ErrCodeInUse) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		m.session = s
		m.logger.Info().Str("sid", string(id)).Str("code", domain.FormatCode(s.Code)).Msg("session created")
		return s, nil
	}
	return nil, lastErr
}

// StartHosting opens the listener, starts the connection server and
// broadcasts the session. A broadcast failure is logged only: the session
// stays joinable by code or address.
func (m *Manager) StartHosting(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if m.server != nil {
		m.mu.Unlock()
		return ErrAlreadyHosting
	}
	sess := m.session

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.cfg.ListenAddr)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("host: listen %s: %w", m.cfg.ListenAddr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ip := m.cfg.AdvertiseIP
	if ip == "" {
		if ip, err = netx.LocalIPv4(); err != nil {
			m.logger.Warn().Err(err).Msg("no LAN address, advertising loopback")
			ip = "127.0.0.1"
		}
	}
	if err := m.registry.SetEndpoint(sess.SessionID, ip, port); err != nil {
		m.mu.Unlock()
		_ = ln.Close()
		return err
	}

	hostMember := domain.NewMember(&m.cfg.Device, domain.RoleHost, ip, m.nowF())
	srv := signal.NewServer(*hostMember, signal.Session{
		ID:         sess.SessionID,
		Name:       sess.Name,
		MaxMembers: sess.MaxMembers,
	}, m.registry, m.cfg.Signal).
		WithMetrics(m.metrics).
		WithHandlers(signal.Handlers{OnMemberListChanged: m.rosterChanged})
	srv.Start(ctx)

	httpSrv := &http.Server{
		Handler:           router.SetupRouter(m.cfg.Mode, m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	m.server = srv
	m.httpSrv = httpSrv
	m.addr = ln.Addr()
	m.serveWG.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.serveWG.Done()
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("http server error")
		}
	}()
	m.logger.Info().Str("addr", ln.Addr().String()).Str("advertise", ip).Int("port", port).Msg("hosting started")

	if adv, ok := m.Advertisement(); ok {
		if err := m.broadcast.StartBroadcast(ctx, adv, ip, m.cfg.Broadcast); err != nil {
			m.logger.Warn().Err(err).Msg("session not broadcast, joinable by code or address only")
		}
	}
	m.members.Notify(srv.Members())
	return nil
}

// StopHosting closes the session for every client and releases the port
// and the registry entry. Safe to call more than once.
func (m *Manager) StopHosting() {
	m.mu.Lock()
	srv, httpSrv, sess := m.server, m.httpSrv, m.session
	m.server, m.httpSrv, m.session, m.addr = nil, nil, nil, nil
	m.mu.Unlock()

	if sess != nil && srv == nil {
		m.registry.RemoveSession(sess.SessionID)
		return
	}
	if srv == nil {
		return
	}

	m.broadcast.StopBroadcast()
	srv.Stop("host stopped the session")

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		m.logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	m.serveWG.Wait()

	m.registry.RemoveSession(sess.SessionID)
	m.members.Notify(nil)
	m.logger.Info().Str("sid", string(sess.SessionID)).Msg("hosting stopped")
}

func (m *Manager) rosterChanged(members []domain.Member) {
	if adv, ok := m.Advertisement(); ok {
		m.broadcast.UpdateAdvertisement(adv)
	}
	m.members.Notify(members)
}

func (m *Manager) current() *signal.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

func (m *Manager) IsHosting() bool { return m.current() != nil }

// HandleSignal forwards WebSocket upgrades to the running server.
func (m *Manager) HandleSignal(c *gin.Context) {
	srv := m.current()
	if srv == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": ErrNotHosting.Error()})
		return
	}
	srv.HandleSignal(c)
}

// Session returns a copy of the created session.
func (m *Manager) Session() (*app.ActiveSession, bool) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return nil, false
	}
	return m.registry.Get(sess.SessionID)
}

func (m *Manager) SessionCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.Code
}

// Advertisement is the session as discovery currently sees it.
func (m *Manager) Advertisement() (domain.SessionAdvertisement, bool) {
	s, ok := m.Session()
	if !ok {
		return domain.SessionAdvertisement{}, false
	}
	return s.Advertisement(m.nowF()), true
}

// Members is the live roster, host first; nil when not hosting.
func (m *Manager) Members() []domain.Member {
	srv := m.current()
	if srv == nil {
		return nil
	}
	return srv.Members()
}

func (m *Manager) ConnectedCount() int {
	srv := m.current()
	if srv == nil {
		return 0
	}
	return srv.ConnectedCount()
}

func (m *Manager) KickMember(id domain.DeviceID, reason string) error {
	srv := m.current()
	if srv == nil {
		return ErrNotHosting
	}
	return srv.KickClient(id, reason)
}

// Addr is the bound listener address while hosting.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}
