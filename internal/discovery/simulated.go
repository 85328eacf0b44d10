package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Party/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultSimulatedPoll = time.Second

// AdvertisementSource is anything that can list locally hosted sessions;
// the in-process registry implements it.
type AdvertisementSource interface {
	Advertisements() []domain.SessionAdvertisement
}

// SimulatedProbe polls an in-process source. It only sees sessions hosted
// by the same process and exists for development and tests.
type SimulatedProbe struct {
	src AdvertisementSource

	mu     sync.Mutex
	seen   map[domain.SessionID]DiscoveredSession
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSimulatedProbe(src AdvertisementSource) *SimulatedProbe {
	return &SimulatedProbe{src: src, seen: make(map[domain.SessionID]DiscoveredSession)}
}

func (p *SimulatedProbe) Method() Method { return MethodSimulated }

func (p *SimulatedProbe) StartScan(ctx context.Context, onFound FoundFunc, onLost LostFunc, opts ScanOptions) error {
	if p.src == nil {
		return ErrTransportUnavailable
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyScanning
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSimulatedPoll
	}
	if opts.Timeout > 0 {
		ctx, p.cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		ctx, p.cancel = context.WithCancel(ctx)
	}
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			p.poll(onFound, onLost)
			select {
			case <-ctx.Done():
				p.reset()
				return
			case <-ticker.C:
			}
		}
	}()
	log.Info().Str("module", "discovery.simulated").Dur("interval", interval).Msg("scan started")
	return nil
}

func (p *SimulatedProbe) poll(onFound FoundFunc, onLost LostFunc) {
	now := time.Now()
	current := make(map[domain.SessionID]DiscoveredSession)
	for _, adv := range p.src.Advertisements() {
		current[adv.SessionID] = DiscoveredSession{
			Advertisement:  adv,
			Method:         MethodSimulated,
			SignalStrength: SimulatedSignal,
			LastSeen:       now,
			IPAddress:      adv.HostAddress,
			Port:           adv.Port,
		}
	}

	p.mu.Lock()
	var gone []domain.SessionID
	for id := range p.seen {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	p.seen = current
	p.mu.Unlock()

	for _, ds := range current {
		if onFound != nil {
			onFound(ds)
		}
	}
	for _, id := range gone {
		if onLost != nil {
			onLost(id)
		}
	}
}

func (p *SimulatedProbe) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel = nil
	p.seen = make(map[domain.SessionID]DiscoveredSession)
}

func (p *SimulatedProbe) StopScan() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("module", "discovery.simulated").Msg("scan stopped")
}

func (p *SimulatedProbe) DiscoveredSessions() []DiscoveredSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DiscoveredSession, 0, len(p.seen))
	for _, ds := range p.seen {
		out = append(out, ds)
	}
	return out
}

func (p *SimulatedProbe) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
