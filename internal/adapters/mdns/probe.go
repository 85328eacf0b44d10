package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
)

const DefaultQueryInterval = time.Second

// Probe browses for the service with multicast PTR queries.
type Probe struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	seen   map[domain.SessionID]discovery.DiscoveredSession
}

func NewProbe(cfg Config) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultQueryInterval
	}
	cfg = cfg.withDefaults()
	return &Probe{
		cfg:    cfg,
		logger: log.With().Str("module", "mdns.probe").Logger(),
		seen:   make(map[domain.SessionID]discovery.DiscoveredSession),
	}
}

func (p *Probe) Method() discovery.Method { return discovery.MethodPrimary }

func (p *Probe) StartScan(ctx context.Context, onFound discovery.FoundFunc, onLost discovery.LostFunc, opts discovery.ScanOptions) error {
	if p.IsActive() {
		return discovery.ErrAlreadyScanning
	}
	p.StopScan()

	query, err := buildQuery(p.cfg.Service)
	if err != nil {
		return fmt.Errorf("%w: %v", discovery.ErrTransportUnavailable, err)
	}
	conn, err := openGroup(ctx, p.cfg.Port)
	if err != nil {
		return fmt.Errorf("%w: %v", discovery.ErrTransportUnavailable, err)
	}

	interval := p.cfg.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var runCtx context.Context
	if opts.Timeout > 0 {
		runCtx, p.cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, p.cancel = context.WithCancel(ctx)
	}
	p.runCtx = runCtx
	p.seen = make(map[domain.SessionID]discovery.DiscoveredSession)

	p.wg.Add(3)
	go p.queryLoop(runCtx, conn, query, interval)
	go p.readLoop(runCtx, conn, onFound, onLost, opts.LocalAddress)
	go func() {
		defer p.wg.Done()
		<-runCtx.Done()
		_ = conn.Close()
	}()
	p.logger.Info().Str("service", p.cfg.Service).Dur("interval", interval).Dur("timeout", opts.Timeout).Msg("scan started")
	return nil
}

func (p *Probe) queryLoop(ctx context.Context, conn *net.UDPConn, query []byte, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteToUDP(query, p.cfg.group()); err != nil && ctx.Err() == nil {
			p.logger.Debug().Err(err).Msg("query failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Probe) readLoop(ctx context.Context, conn *net.UDPConn, onFound discovery.FoundFunc, onLost discovery.LostFunc, localAddr string) {
	defer p.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn().Err(err).Msg("read failed")
			continue
		}
		anns, err := parseResponse(p.cfg.Service, buf[:n])
		if err != nil {
			p.logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring packet")
			continue
		}
		for _, ann := range anns {
			p.handle(ann, from, onFound, onLost, localAddr)
		}
	}
}

func (p *Probe) handle(ann announcement, from *net.UDPAddr, onFound discovery.FoundFunc, onLost discovery.LostFunc, localAddr string) {
	adv := ann.adv
	if localAddr != "" && adv.HostAddress == localAddr {
		return
	}
	if ann.goodbye {
		p.mu.Lock()
		_, known := p.seen[adv.SessionID]
		delete(p.seen, adv.SessionID)
		p.mu.Unlock()
		if known && onLost != nil {
			onLost(adv.SessionID)
		}
		return
	}

	ds := discovery.DiscoveredSession{
		Advertisement:  adv,
		Method:         discovery.MethodPrimary,
		SignalStrength: discovery.PrimarySignal,
		LastSeen:       time.Now(),
		IPAddress:      adv.HostAddress,
		Port:           adv.Port,
	}
	if ds.IPAddress == "" {
		ds.IPAddress = from.IP.String()
	}
	p.mu.Lock()
	p.seen[adv.SessionID] = ds
	p.mu.Unlock()
	if onFound != nil {
		onFound(ds)
	}
}

func (p *Probe) StopScan() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runCtx = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info().Msg("scan stopped")
}

func (p *Probe) DiscoveredSessions() []discovery.DiscoveredSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]discovery.DiscoveredSession, 0, len(p.seen))
	for _, ds := range p.seen {
		out = append(out, ds)
	}
	return out
}

func (p *Probe) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCtx != nil && p.runCtx.Err() == nil
}
