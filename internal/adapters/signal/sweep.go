package signal

import (
	"context"
	"time"
)

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.sweepWG.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepHeartbeats()
			s.limiter.Prune()
		}
	}
}

// SweepHeartbeats removes every client silent for longer than the
// heartbeat timeout and returns how many went.
func (s *Server) SweepHeartbeats() int {
	deadline := s.nowF().Add(-s.cfg.HeartbeatTimeout)
	n := 0
	for _, m := range s.roster.Snapshot() {
		if m.IsHost() || m.LastSeen.After(deadline) {
			continue
		}
		ms, ok := s.roster.Get(m.ID)
		if !ok {
			continue
		}
		if s.removeClient(m.ID, ReasonTimeout) {
			ms.Signal().Close()
			n++
		}
	}
	return n
}
