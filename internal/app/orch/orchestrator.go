package orch

import (
	"errors"
	"sync"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/app/host"
	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/telemetry"
)

const DefaultMaxMembers = 8

var (
	ErrHosting         = errors.New("orch: cannot join while hosting, stop hosting first")
	ErrJoined          = errors.New("orch: cannot host while joined, leave the session first")
	ErrAlreadyJoined   = errors.New("orch: already in a session")
	ErrNotJoined       = errors.New("orch: not in a session")
	ErrUnknownSession  = errors.New("orch: session not discovered")
	ErrNoEndpoint      = errors.New("orch: session advertises no address")
	ErrNoDiscovery     = errors.New("orch: discovery not configured")
	ErrHostUnavailable = errors.New("orch: hosting not configured")
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Session states beyond client.State.
const (
	StateCreated = "created"
	StateHosting = "hosting"
)

// SessionInfo is the current session as the UI shows it. Reason carries why
// a joined session ended (kicked, closed by host).
type SessionInfo struct {
	ID         domain.SessionID
	Name       string
	Code       string
	HostID     domain.DeviceID
	HostName   string
	MaxMembers int
	Role       Role
	State      string
	Reason     string
}

// Orchestrator is the single entry point for a UI: host or join, discover,
// and observe the resulting state. Host and Discovery may be nil when the
// process does only one of the two.
type Orchestrator struct {
	Device    domain.Device
	Registry  *app.Registry
	Host      *host.Manager
	Discovery *discovery.Manager
	// ClientConfig is the template for joins; URL, session and device
	// are filled per join.
	ClientConfig client.Config
	Metrics      *telemetry.Metrics

	mu         sync.Mutex
	joined     *client.Client
	hostUnsub  func()
	discoUnsub func()
	sessionMu  sync.Mutex
	session    core.Value[*SessionInfo]
	members    core.Value[[]domain.Member]
	discovered core.Value[[]discovery.DiscoveredSession]
	quality    core.Value[NetworkQuality]
}

func (o *Orchestrator) Session() core.Readable[*SessionInfo] { return &o.session }

func (o *Orchestrator) Members() core.Readable[[]domain.Member] { return &o.members }

func (o *Orchestrator) Discovered() core.Readable[[]discovery.DiscoveredSession] {
	return &o.discovered
}

func (o *Orchestrator) Quality() core.Readable[NetworkQuality] { return &o.quality }

// updateSession applies fn to a copy of the current session; a nil session
// stays nil.
func (o *Orchestrator) updateSession(fn func(*SessionInfo)) {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	cur := o.session.Get()
	if cur == nil {
		return
	}
	next := *cur
	fn(&next)
	o.session.Set(&next)
}

func (o *Orchestrator) setSession(s *SessionInfo) {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	o.session.Set(s)
}

// Close stops whatever is running: hosting, the joined session and
// discovery.
func (o *Orchestrator) Close() {
	o.StopHosting()
	_ = o.LeaveSession()
	o.StopDiscovery()
}
