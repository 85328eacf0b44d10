package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/dkeye/Party/internal/telemetry"
)

const (
	DefaultExpireAfter   = 15 * time.Second
	DefaultSweepInterval = time.Second
)

// SessionValidator rejects advertisements for sessions it does not know as
// active. The in-process registry implements it.
type SessionValidator interface {
	IsActive(id domain.SessionID) bool
}

type ManagerConfig struct {
	ExpireAfter   time.Duration
	SweepInterval time.Duration
}

// Options select how StartDiscovery runs the probes.
type Options struct {
	// Method pins a single transport. Empty means ordered fallback.
	Method Method
	// Parallel starts every network probe at once instead of stopping at
	// the first one that comes up.
	Parallel     bool
	Timeout      time.Duration
	Interval     time.Duration
	LocalAddress string
}

// Manager coordinates probes and owns the deduplicated session list.
type Manager struct {
	probes    []Probe
	validator SessionValidator
	cfg       ManagerConfig
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	nowF      func() time.Time

	mu       sync.Mutex
	sessions map[domain.SessionID]*DiscoveredSession
	active   []Probe
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	found core.Observers[DiscoveredSession]
	lost  core.Observers[domain.SessionID]
}

// NewManager takes probes in any order; they are tried primary, fallback,
// simulated. validator may be nil.
func NewManager(validator SessionValidator, cfg ManagerConfig, probes ...Probe) *Manager {
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = DefaultExpireAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	ordered := make([]Probe, 0, len(probes))
	for _, p := range probes {
		if p != nil {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Method().Reliability() > ordered[j].Method().Reliability()
	})
	return &Manager{
		probes:    ordered,
		validator: validator,
		cfg:       cfg,
		logger:    log.With().Str("module", "discovery").Logger(),
		nowF:      time.Now,
		sessions:  make(map[domain.SessionID]*DiscoveredSession),
	}
}

func (m *Manager) WithMetrics(mt *telemetry.Metrics) *Manager {
	m.metrics = mt
	return m
}

// Subscribe registers a listener pair; each listener gets every event once.
func (m *Manager) Subscribe(onFound FoundFunc, onLost LostFunc) func() {
	var unsubs []func()
	if onFound != nil {
		unsubs = append(unsubs, m.found.Subscribe(onFound))
	}
	if onLost != nil {
		unsubs = append(unsubs, m.lost.Subscribe(onLost))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// StartDiscovery restarts discovery with opts. It only fails when no
// transport at all could be started.
func (m *Manager) StartDiscovery(ctx context.Context, opts Options) error {
	m.StopDiscovery()

	candidates, err := m.candidates(opts)
	if err != nil {
		return err
	}
	scan := ScanOptions{Timeout: opts.Timeout, Interval: opts.Interval, LocalAddress: opts.LocalAddress}

	var (
		started []Probe
		errs    []error
	)
	for _, p := range candidates {
		if opts.Parallel && len(started) > 0 && p.Method() == MethodSimulated {
			break
		}
		if err := p.StartScan(ctx, m.onProbeFound, m.onProbeLost, scan); err != nil {
			m.logger.Warn().Err(err).Str("method", string(p.Method())).Msg("probe failed to start, falling through")
			errs = append(errs, fmt.Errorf("%s: %w", p.Method(), err))
			continue
		}
		m.logger.Info().Str("method", string(p.Method())).Msg("probe started")
		started = append(started, p)
		if !opts.Parallel {
			break
		}
	}
	if len(started) == 0 {
		m.logger.Error().Errs("causes", errs).Msg("discovery unavailable")
		return fmt.Errorf("%w: %w", ErrDiscoveryUnavailable, errors.Join(errs...))
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active = started
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop(sweepCtx)
	return nil
}

func (m *Manager) candidates(opts Options) ([]Probe, error) {
	if opts.Method == "" {
		if len(m.probes) == 0 {
			return nil, ErrDiscoveryUnavailable
		}
		return m.probes, nil
	}
	for _, p := range m.probes {
		if p.Method() == opts.Method {
			return []Probe{p}, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s probe configured", ErrDiscoveryUnavailable, opts.Method)
}

// StopDiscovery stops every probe and the sweep, whichever path was taken.
// Discovered entries are kept and expire normally on the next start.
func (m *Manager) StopDiscovery() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.active = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
		m.logger.Info().Msg("discovery stopped")
	}
	for _, p := range m.probes {
		p.StopScan()
	}
}

func (m *Manager) IsDiscovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// ActiveMethods lists the transports the current run is using.
func (m *Manager) ActiveMethods() []Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Method, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, p.Method())
	}
	return out
}

func (m *Manager) onProbeFound(ds DiscoveredSession) { m.AddSession(ds) }

// onProbeLost handles an explicit withdraw from a transport.
func (m *Manager) onProbeLost(id domain.SessionID) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.logger.Info().Str("sid", string(id)).Msg("session withdrawn")
		m.metrics.SessionLost(context.Background())
		m.lost.Notify(id)
	}
}

// AddSession is fed every probe result. It reports whether the session was
// new to the list.
func (m *Manager) AddSession(ds DiscoveredSession) bool {
	adv := ds.Advertisement
	if err := checkAdvertisement(adv); err != nil {
		m.logger.Debug().Err(err).Str("sid", string(adv.SessionID)).Msg("advertisement rejected")
		return false
	}
	if m.validator != nil && !m.validator.IsActive(adv.SessionID) {
		m.logger.Debug().Str("sid", string(adv.SessionID)).Msg("unknown or expired session rejected")
		return false
	}

	now := m.nowF()
	m.mu.Lock()
	if cur, ok := m.sessions[adv.SessionID]; ok {
		cur.LastSeen = now
		cur.expiresAt = now.Add(m.cfg.ExpireAfter)
		if adv.Timestamp >= cur.Advertisement.Timestamp {
			cur.Advertisement = adv
		}
		if ds.Method.Reliability() > cur.Method.Reliability() {
			m.logger.Info().Str("sid", string(adv.SessionID)).
				Str("from", string(cur.Method)).Str("to", string(ds.Method)).Msg("discovery method upgraded")
			cur.Method = ds.Method
			cur.SignalStrength = ds.SignalStrength
			if ds.IPAddress != "" {
				cur.IPAddress = ds.IPAddress
			}
			if ds.Port != 0 {
				cur.Port = ds.Port
			}
		}
		m.mu.Unlock()
		return false
	}

	entry := ds
	entry.LastSeen = now
	entry.expiresAt = now.Add(m.cfg.ExpireAfter)
	m.sessions[adv.SessionID] = &entry
	snapshot := entry
	m.mu.Unlock()

	m.logger.Info().Str("sid", string(adv.SessionID)).Str("name", adv.SessionName).
		Str("method", string(ds.Method)).Msg("session found")
	m.metrics.SessionFound(context.Background(), string(ds.Method))
	m.found.Notify(snapshot)
	return true
}

func checkAdvertisement(adv domain.SessionAdvertisement) error {
	if adv.SessionID == "" {
		return errors.New("missing session id")
	}
	if adv.ProtocolVersion != "" && !protocol.Compatible(adv.ProtocolVersion) {
		return fmt.Errorf("incompatible protocol version %q", adv.ProtocolVersion)
	}
	if adv.MaxMembers > 0 && adv.MemberCount > adv.MaxMembers+1 {
		return fmt.Errorf("member count %d above capacity %d", adv.MemberCount, adv.MaxMembers)
	}
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts expired entries and notifies onLost once per entry.
func (m *Manager) Sweep() int {
	now := m.nowF()
	m.mu.Lock()
	var expired []domain.SessionID
	for id, ds := range m.sessions {
		if !ds.expiresAt.After(now) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info().Str("sid", string(id)).Msg("session expired")
		m.metrics.SessionLost(context.Background())
		m.lost.Notify(id)
	}
	return len(expired)
}

// DiscoveredSessions returns copies, strongest signal first, then most
// recently seen.
func (m *Manager) DiscoveredSessions() []DiscoveredSession {
	m.mu.Lock()
	out := make([]DiscoveredSession, 0, len(m.sessions))
	for _, ds := range m.sessions {
		out = append(out, *ds)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SignalStrength != out[j].SignalStrength {
			return out[i].SignalStrength > out[j].SignalStrength
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Advertisement.SessionID < out[j].Advertisement.SessionID
	})
	return out
}

func (m *Manager) Get(id domain.SessionID) (DiscoveredSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[id]
	if !ok {
		return DiscoveredSession{}, false
	}
	return *ds, true
}

// Clear drops every entry without notifying.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.sessions = make(map[domain.SessionID]*DiscoveredSession)
	m.mu.Unlock()
}
