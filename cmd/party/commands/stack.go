package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Party/internal/adapters/beacon"
	"github.com/dkeye/Party/internal/adapters/mdns"
	"github.com/dkeye/Party/internal/adapters/netx"
	"github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/app/host"
	"github.com/dkeye/Party/internal/app/orch"
	"github.com/dkeye/Party/internal/broadcast"
	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/config"
	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// stack is everything one party process owns.
type stack struct {
	cfg       *config.Config
	registry  *app.Registry
	orch      *orch.Orchestrator
	providers *telemetry.Providers
}

func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	dev, err := cfg.Device()
	if err != nil {
		return nil, err
	}
	providers, err := telemetry.NewProviders(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics := telemetry.NewMetrics(providers.MeterProvider, providers.TracerProvider)

	dc := cfg.Discovery
	mdnsCfg := mdns.Config{Service: dc.MDNSService, Interval: dc.QueryInterval}
	beaconCfg := beacon.Config{
		DiscoveryPort: dc.BeaconPort,
		ResponsePort:  dc.ResponsePort,
		Interval:      dc.BeaconInterval,
		Targets:       dc.Targets,
	}

	reg := app.NewRegistry().WithTTL(cfg.Registry.TTL)

	hm := host.NewManager(host.Config{
		Device:     *dev,
		Mode:       cfg.Mode,
		ListenAddr: fmt.Sprintf(":%d", cfg.Port),
		Signal: signal.Config{
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			SweepInterval:    cfg.HeartbeatSweep,
			JoinTimeout:      cfg.JoinTimeout,
			ReadLimit:        cfg.ReadLimit,
			JoinRateLimit:    cfg.JoinRateLimit,
			JoinRateWindow:   cfg.JoinRateWindow,
		},
		Broadcast: broadcast.Options{Interval: dc.BroadcastInterval},
	}, reg, broadcast.NewService(broadcast.MDNS(mdnsCfg), broadcast.Beacon(beaconCfg))).WithMetrics(metrics)

	// The registry only knows sessions hosted by this process, so it cannot
	// vouch for advertisements from other hosts.
	dm := discovery.NewManager(nil, discovery.ManagerConfig{
		ExpireAfter:   dc.Expiry,
		SweepInterval: dc.Sweep,
	}, mdns.NewProbe(mdnsCfg), beacon.NewProbe(beaconCfg), discovery.NewSimulatedProbe(reg)).WithMetrics(metrics)

	o := &orch.Orchestrator{
		Device:    *dev,
		Registry:  reg,
		Host:      hm,
		Discovery: dm,
		ClientConfig: client.Config{
			ConnectTimeout:       cfg.ConnectTimeout,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReadLimit:            cfg.ReadLimit,
		},
		Metrics: metrics,
	}
	log.Info().Str("module", "party").Str("device", string(dev.ID)).Str("name", dev.Name).Msg("device ready")
	return &stack{cfg: cfg, registry: reg, orch: o, providers: providers}, nil
}

func (s *stack) close() {
	s.orch.Close()
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := s.providers.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Str("module", "party").Msg("telemetry shutdown")
	}
}

// discoveryOptions turns the discovery config into StartDiscovery options;
// method overrides discovery.method when set.
func (s *stack) discoveryOptions(method string) (discovery.Options, error) {
	if method == "" {
		method = s.cfg.Discovery.Method
	}
	m, err := methodFor(method)
	if err != nil {
		return discovery.Options{}, err
	}
	local, err := netx.LocalIPv4()
	if err != nil {
		log.Debug().Err(err).Str("module", "party").Msg("no LAN address, own advertisements not filtered")
	}
	return discovery.Options{
		Method:       m,
		Parallel:     s.cfg.Discovery.Parallel,
		Timeout:      s.cfg.Discovery.ScanTimeout,
		Interval:     s.cfg.Discovery.QueryInterval,
		LocalAddress: local,
	}, nil
}

func methodFor(name string) (discovery.Method, error) {
	switch name {
	case "":
		return "", nil
	case "primary", "mdns":
		return discovery.MethodPrimary, nil
	case "fallback", "beacon":
		return discovery.MethodFallback, nil
	case "simulated":
		return discovery.MethodSimulated, nil
	}
	return "", fmt.Errorf("unknown discovery method %q", name)
}

// run builds the stack, keeps the registry sweep alive next to fn and tears
// everything down once fn returns.
func run(ctx context.Context, fn func(ctx context.Context, s *stack) error) error {
	s, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.registry.Run(gctx, s.cfg.Registry.Sweep)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx, s)
	})
	return g.Wait()
}
