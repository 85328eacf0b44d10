// Package beacon is the UDP broadcast discovery transport. A Probe sends
// DISCOVER to the LAN and collects PARTY_SESSION answers; a Responder runs
// on the host, answers probes and re-broadcasts its advertisement.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Party/internal/adapters/netx"
	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

const (
	DefaultDiscoveryPort = 41234
	DefaultResponsePort  = 41235
	DefaultInterval      = 2 * time.Second
	maxDatagram          = 4096
)

// Config is shared by Probe and Responder. Targets overrides the computed
// broadcast addresses; tests point it at loopback.
type Config struct {
	DiscoveryPort int
	ResponsePort  int
	Interval      time.Duration
	Targets       []string
}

func (c Config) withDefaults() Config {
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

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
	return &Probe{
		cfg:    cfg.withDefaults(),
		logger: log.With().Str("module", "beacon.probe").Logger(),
		seen:   make(map[domain.SessionID]discovery.DiscoveredSession),
	}
}

func (p *Probe) Method() discovery.Method { return discovery.MethodFallback }

func (p *Probe) StartScan(ctx context.Context, onFound discovery.FoundFunc, _ discovery.LostFunc, opts discovery.ScanOptions) error {
	if p.IsActive() {
		return discovery.ErrAlreadyScanning
	}
	// reap a scan that ended on its own timeout
	p.StopScan()

	p.mu.Lock()
	defer p.mu.Unlock()
	targets, err := netx.ResolveTargets(p.cfg.Targets, p.cfg.DiscoveryPort)
	if err != nil {
		return fmt.Errorf("%w: %v", discovery.ErrTransportUnavailable, err)
	}
	conn, err := netx.ListenUDP(ctx, p.cfg.ResponsePort)
	if err != nil {
		return fmt.Errorf("%w: bind udp %d: %v", discovery.ErrTransportUnavailable, p.cfg.ResponsePort, err)
	}

	interval := p.cfg.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	var runCtx context.Context
	if opts.Timeout > 0 {
		runCtx, p.cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, p.cancel = context.WithCancel(ctx)
	}
	p.runCtx = runCtx
	p.seen = make(map[domain.SessionID]discovery.DiscoveredSession)

	p.wg.Add(3)
	go p.sendLoop(runCtx, conn, targets, interval)
	go p.readLoop(runCtx, conn, onFound, opts.LocalAddress)
	go func() {
		defer p.wg.Done()
		<-runCtx.Done()
		_ = conn.Close()
	}()

	p.logger.Info().Int("port", p.cfg.DiscoveryPort).Int("targets", len(targets)).Dur("interval", interval).Msg("scan started")
	return nil
}

func (p *Probe) sendLoop(ctx context.Context, conn *net.UDPConn, targets []*net.UDPAddr, interval time.Duration) {
	defer p.wg.Done()
	send := func() {
		for _, t := range targets {
			if _, err := conn.WriteToUDP([]byte(protocol.DiscoverRequest), t); err != nil && ctx.Err() == nil {
				p.logger.Debug().Err(err).Str("target", t.String()).Msg("discover send failed")
			}
		}
	}
	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (p *Probe) readLoop(ctx context.Context, conn *net.UDPConn, onFound discovery.FoundFunc, localAddr string) {
	defer p.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn().Err(err).Msg("read failed")
			continue
		}
		if protocol.IsDiscoverRequest(buf[:n]) {
			continue
		}
		adv, err := protocol.DecodeBeaconResponse(buf[:n])
		if err != nil {
			p.logger.Debug().Err(err).Str("from", from.String()).Msg("ignoring datagram")
			continue
		}
		if localAddr != "" && adv.HostAddress == localAddr {
			continue
		}

		ds := discovery.DiscoveredSession{
			Advertisement:  adv,
			Method:         discovery.MethodFallback,
			SignalStrength: discovery.FallbackSignal,
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

// IsActive is false once the scan timeout elapsed even before StopScan.
func (p *Probe) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCtx != nil && p.runCtx.Err() == nil
}
