package core

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Party/internal/domain"
	"github.com/rs/zerolog/log"
)

// roster is a threadsafe in-memory member set.
// It never closes adapter-owned resources.
type roster struct {
	host domain.Member
	mu   sync.RWMutex
	byID map[domain.DeviceID]MemberSession
}

func NewRoster(host domain.Member) RosterService {
	host.Role = domain.RoleHost
	host.Status = domain.StatusConnected
	return &roster{
		host: host,
		byID: make(map[domain.DeviceID]MemberSession),
	}
}

func (r *roster) Host() domain.Member { return r.host }

func (r *roster) Count() int {
	return r.ClientCount() + 1
}

func (r *roster) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *roster) Has(id domain.DeviceID) bool {
	if id == r.host.ID {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

func (r *roster) Get(id domain.DeviceID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byID[id]
	return ms, ok
}

func (r *roster) Add(ms MemberSession) bool {
	id := ms.Meta().ID
	if id == r.host.ID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = ms
	log.Info().Str("module", "core.roster").Str("device", string(id)).Int("clients", len(r.byID)).Msg("member added")
	return true
}

func (r *roster) Remove(id domain.DeviceID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	log.Info().Str("module", "core.roster").Str("device", string(id)).Int("clients", len(r.byID)).Msg("member removed")
	return ms, true
}

func (r *roster) Touch(id domain.DeviceID, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byID[id]
	if !ok {
		return false
	}
	ms.Meta().LastSeen = at
	return true
}

func (r *roster) SetLatency(id domain.DeviceID, ms int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	v := ms
	s.Meta().LatencyMs = &v
	return true
}

// Snapshot returns copies, host first, clients by join time.
func (r *roster) Snapshot() []domain.Member {
	r.mu.RLock()
	out := make([]domain.Member, 0, len(r.byID)+1)
	for _, ms := range r.byID {
		out = append(out, *ms.Meta())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return append([]domain.Member{r.host}, out...)
}

func (r *roster) Clients() []MemberSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberSession, 0, len(r.byID))
	for _, ms := range r.byID {
		out = append(out, ms)
	}
	return out
}

func (r *roster) Broadcast(from domain.DeviceID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.byID {
		if id == from || m.Signal() == nil {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.roster").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
