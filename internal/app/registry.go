package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSessionTTL    = 24 * time.Hour
	DefaultRegistrySweep = 60 * time.Second
)

var (
	ErrSessionExists   = errors.New("session already registered")
	ErrCodeInUse       = errors.New("session code already in use")
	ErrInvalidCode     = errors.New("session code must be 6 letters or digits")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionFull     = errors.New("session full")
	ErrInvalidCapacity = errors.New("max members must be positive")
)

// ActiveSession is the registry-owned record of a hosted session. Members
// holds joined client devices; the host occupies no slot.
type ActiveSession struct {
	SessionID  domain.SessionID
	Code       string
	Name       string
	HostID     domain.DeviceID
	HostName   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	MaxMembers int
	// HostAddress and Port are set once the connection server is listening.
	HostAddress string
	Port        int
	members     map[domain.DeviceID]struct{}
}

func (s *ActiveSession) MemberCount() int { return len(s.members) }
func (s *ActiveSession) Full() bool       { return len(s.members) >= s.MaxMembers }

func (s *ActiveSession) Members() []domain.DeviceID {
	out := make([]domain.DeviceID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *ActiveSession) clone() *ActiveSession {
	cp := *s
	cp.members = make(map[domain.DeviceID]struct{}, len(s.members))
	for id := range s.members {
		cp.members[id] = struct{}{}
	}
	return &cp
}

// Advertisement renders the session as discovery would see it. The host
// counts toward MemberCount.
func (s *ActiveSession) Advertisement(now time.Time) domain.SessionAdvertisement {
	return domain.SessionAdvertisement{
		SessionID:       s.SessionID,
		SessionName:     s.Name,
		HostID:          s.HostID,
		HostName:        s.HostName,
		HostAddress:     s.HostAddress,
		Port:            s.Port,
		MemberCount:     len(s.members) + 1,
		MaxMembers:      s.MaxMembers,
		ProtocolVersion: protocol.ProtocolVersion,
		Timestamp:       now.UnixMilli(),
	}
}

// Validation is the outcome of a code lookup.
type Validation struct {
	Valid     bool
	SessionID domain.SessionID
	Reason    error
}

// Registry is the host-local source of truth for active sessions and codes.
type Registry struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*ActiveSession
	codes    map[string]domain.SessionID
	ttl      time.Duration
	nowF     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*ActiveSession),
		codes:    make(map[string]domain.SessionID),
		ttl:      DefaultSessionTTL,
		nowF:     time.Now,
	}
}

// WithTTL overrides the session lifetime; used by config and tests.
func (r *Registry) WithTTL(ttl time.Duration) *Registry {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

func (r *Registry) RegisterSession(
	id domain.SessionID,
	code, name string,
	hostID domain.DeviceID,
	hostName string,
	maxMembers int,
) (*ActiveSession, error) {
	norm := domain.NormalizeCode(code)
	if len(norm) != domain.CodeLen {
		return nil, ErrInvalidCode
	}
	if maxMembers <= 0 {
		return nil, ErrInvalidCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if other, ok := r.codes[norm]; ok {
		// a stale holder of the code may be reclaimed
		if s := r.sessions[other]; s != nil && !r.expired(s) {
			return nil, ErrCodeInUse
		}
		r.deleteLocked(other)
	}

	now := r.nowF()
	s := &ActiveSession{
		SessionID:  id,
		Code:       norm,
		Name:       name,
		HostID:     hostID,
		HostName:   hostName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
		MaxMembers: maxMembers,
		members:    make(map[domain.DeviceID]struct{}),
	}
	r.sessions[id] = s
	r.codes[norm] = id
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("code", domain.FormatCode(norm)).Int("max", maxMembers).Msg("registered session")
	return s.clone(), nil
}

// ValidateSessionCode checks existence, then expiry, then capacity.
// Expired sessions are evicted on the way.
func (r *Registry) ValidateSessionCode(code string) Validation {
	norm := domain.NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.codes[norm]
	if !ok {
		return Validation{Reason: ErrSessionNotFound}
	}
	s, ok := r.sessions[id]
	if !ok {
		delete(r.codes, norm)
		return Validation{Reason: ErrSessionNotFound}
	}
	if r.expired(s) {
		r.deleteLocked(id)
		log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("evicted expired session on validate")
		return Validation{SessionID: id, Reason: ErrSessionExpired}
	}
	if s.Full() {
		return Validation{SessionID: id, Reason: ErrSessionFull}
	}
	return Validation{Valid: true, SessionID: id}
}

func (r *Registry) AddMember(sessionID domain.SessionID, memberID domain.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.liveLocked(sessionID)
	if err != nil {
		return err
	}
	if _, ok := s.members[memberID]; ok {
		return nil
	}
	if s.Full() {
		return ErrSessionFull
	}
	s.members[memberID] = struct{}{}
	log.Info().Str("module", "app.registry").Str("sid", string(sessionID)).Str("device", string(memberID)).Int("members", len(s.members)).Msg("member added")
	return nil
}

// RemoveMember drops a member; removing the host drops the whole session.
func (r *Registry) RemoveMember(sessionID domain.SessionID, memberID domain.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if memberID == s.HostID {
		r.deleteLocked(sessionID)
		log.Info().Str("module", "app.registry").Str("sid", string(sessionID)).Msg("host left, session removed")
		return nil
	}
	if _, ok := s.members[memberID]; !ok {
		return nil
	}
	delete(s.members, memberID)
	log.Info().Str("module", "app.registry").Str("sid", string(sessionID)).Str("device", string(memberID)).Int("members", len(s.members)).Msg("member removed")
	return nil
}

func (r *Registry) RemoveSession(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.deleteLocked(id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("session removed")
	return true
}

// Get returns a copy of the session if it exists and has not expired.
func (r *Registry) Get(id domain.SessionID) (*ActiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.liveLocked(id)
	if err != nil {
		return nil, false
	}
	return s.clone(), true
}

// IsActive lets discovery reject phantom or expired advertisements.
func (r *Registry) IsActive(id domain.SessionID) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) List() []*ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ActiveSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if r.expired(s) {
			continue
		}
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetEndpoint records where the session accepts connections.
func (r *Registry) SetEndpoint(id domain.SessionID, addr string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	s.HostAddress, s.Port = addr, port
	return nil
}

// Advertisements lists every live session that still has room.
func (r *Registry) Advertisements() []domain.SessionAdvertisement {
	now := r.nowF()
	var out []domain.SessionAdvertisement
	for _, s := range r.List() {
		if s.Full() {
			continue
		}
		out = append(out, s.Advertisement(now))
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep purges every session past ExpiresAt and returns how many went.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if r.expired(s) {
			r.deleteLocked(id)
			n++
		}
	}
	if n > 0 {
		log.Info().Str("module", "app.registry").Int("purged", n).Msg("expired sessions swept")
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultRegistrySweep
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) liveLocked(id domain.SessionID) (*ActiveSession, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if r.expired(s) {
		r.deleteLocked(id)
		return nil, ErrSessionExpired
	}
	return s, nil
}

func (r *Registry) expired(s *ActiveSession) bool {
	return !s.ExpiresAt.After(r.nowF())
}

func (r *Registry) deleteLocked(id domain.SessionID) {
	if s, ok := r.sessions[id]; ok {
		if r.codes[s.Code] == id {
			delete(r.codes, s.Code)
		}
	}
	delete(r.sessions, id)
}
