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
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

var ErrResponderRunning = errors.New("beacon: responder already running")

// Responder answers DISCOVER on the discovery port and pushes the current
// advertisement to the response port every Interval.
type Responder struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	payload []byte
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewResponder(cfg Config) *Responder {
	cfg = cfg.withDefaults()
	if cfg.ResponsePort == 0 {
		cfg.ResponsePort = DefaultResponsePort
	}
	return &Responder{cfg: cfg, logger: log.With().Str("module", "beacon.responder").Logger()}
}

func (r *Responder) Start(ctx context.Context, adv domain.SessionAdvertisement) error {
	payload, err := protocol.EncodeBeaconResponse(adv)
	if err != nil {
		return err
	}
	targets, err := netx.ResolveTargets(r.cfg.Targets, r.cfg.ResponsePort)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrResponderRunning
	}
	conn, err := netx.ListenUDP(ctx, r.cfg.DiscoveryPort)
	if err != nil {
		return fmt.Errorf("beacon: bind udp %d: %w", r.cfg.DiscoveryPort, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.payload = payload

	r.wg.Add(3)
	go r.answerLoop(runCtx, conn)
	go r.announceLoop(runCtx, conn, targets)
	go func() {
		defer r.wg.Done()
		<-runCtx.Done()
		_ = conn.Close()
	}()

	r.logger.Info().Str("sid", string(adv.SessionID)).Int("port", r.cfg.DiscoveryPort).Msg("responder started")
	return nil
}

// Update swaps the advertisement used by later answers.
func (r *Responder) Update(adv domain.SessionAdvertisement) error {
	payload, err := protocol.EncodeBeaconResponse(adv)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.payload = payload
	r.mu.Unlock()
	return nil
}

func (r *Responder) current() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload
}

func (r *Responder) answerLoop(ctx context.Context, conn *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn().Err(err).Msg("read failed")
			continue
		}
		if !protocol.IsDiscoverRequest(buf[:n]) {
			continue
		}
		if _, err := conn.WriteToUDP(r.current(), from); err != nil && ctx.Err() == nil {
			r.logger.Debug().Err(err).Str("to", from.String()).Msg("answer failed")
		}
	}
}

func (r *Responder) announceLoop(ctx context.Context, conn *net.UDPConn, targets []*net.UDPAddr) {
	defer r.wg.Done()
	announce := func() {
		payload := r.current()
		for _, t := range targets {
			if _, err := conn.WriteToUDP(payload, t); err != nil && ctx.Err() == nil {
				r.logger.Debug().Err(err).Str("target", t.String()).Msg("announce failed")
			}
		}
	}
	announce()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

func (r *Responder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Stop is a no-op when not running.
func (r *Responder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.logger.Info().Msg("responder stopped")
}
