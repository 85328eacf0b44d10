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

	"github.com/dkeye/Party/internal/domain"
)

var ErrAnnouncerRunning = errors.New("mdns: announcer already running")

// Announcer publishes one session as a DNS-SD service instance. It answers
// PTR queries for the service, re-announces every Interval and sends a
// goodbye on Stop.
type Announcer struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	adv    domain.SessionAdvertisement
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAnnouncer(cfg Config) *Announcer {
	return &Announcer{cfg: cfg.withDefaults(), logger: log.With().Str("module", "mdns.announcer").Logger()}
}

func (a *Announcer) Start(ctx context.Context, adv domain.SessionAdvertisement) error {
	if _, err := buildResponse(a.cfg.Service, adv, a.cfg.TTL); err != nil {
		return fmt.Errorf("mdns: encode advertisement: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return ErrAnnouncerRunning
	}
	conn, err := openGroup(ctx, a.cfg.Port)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.adv, a.conn, a.cancel = adv, conn, cancel

	a.wg.Add(3)
	go a.answerLoop(runCtx, conn)
	go a.announceLoop(runCtx)
	go func() {
		defer a.wg.Done()
		<-runCtx.Done()
		_ = conn.Close()
	}()
	a.logger.Info().Str("sid", string(adv.SessionID)).Str("instance", InstanceName(adv.SessionID)).Msg("announcing")
	return nil
}

// Update replaces the advertisement; the next answer or announce carries it.
func (a *Announcer) Update(adv domain.SessionAdvertisement) error {
	if _, err := buildResponse(a.cfg.Service, adv, a.cfg.TTL); err != nil {
		return fmt.Errorf("mdns: encode advertisement: %w", err)
	}
	a.mu.Lock()
	a.adv = adv
	a.mu.Unlock()
	return nil
}

func (a *Announcer) send(ttl uint32) error {
	a.mu.Lock()
	adv, conn := a.adv, a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg, err := buildResponse(a.cfg.Service, adv, ttl)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(msg, a.cfg.group())
	return err
}

func (a *Announcer) answerLoop(ctx context.Context, conn *net.UDPConn) {
	defer a.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn().Err(err).Msg("read failed")
			continue
		}
		if !isQueryFor(a.cfg.Service, buf[:n]) {
			continue
		}
		if err := a.send(a.cfg.TTL); err != nil && ctx.Err() == nil {
			a.logger.Debug().Err(err).Msg("answer failed")
		}
	}
}

func (a *Announcer) announceLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := a.send(a.cfg.TTL); err != nil && ctx.Err() == nil {
			a.logger.Debug().Err(err).Msg("announce failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Announcer) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Stop sends a goodbye and releases the socket. No-op when idle.
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	if err := a.send(0); err != nil {
		a.logger.Debug().Err(err).Msg("goodbye failed")
	}
	cancel()
	a.wg.Wait()

	a.mu.Lock()
	a.cancel, a.conn = nil, nil
	a.mu.Unlock()
	a.logger.Info().Msg("announcer stopped")
}
