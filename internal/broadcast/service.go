// Package broadcast makes a hosted session visible to discovery probes on
// every configured channel at once.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Party/internal/domain"
)

const DefaultInterval = 3 * time.Second

var ErrBroadcastUnavailable = errors.New("broadcast: no channel could be started")

type Options struct {
	Interval time.Duration
}

type Service struct {
	channels []Channel
	logger   zerolog.Logger
	nowF     func() time.Time

	mu   sync.Mutex
	adv  domain.SessionAdvertisement
	live []Channel
}

func NewService(channels ...Channel) *Service {
	return &Service{
		channels: channels,
		logger:   log.With().Str("module", "broadcast").Logger(),
		nowF:     time.Now,
	}
}

// StartBroadcast (re)starts every channel with adv. localIP, when set,
// overrides the advertised host address. A channel that fails to start is
// logged and skipped; only all channels failing is an error.
func (s *Service) StartBroadcast(ctx context.Context, adv domain.SessionAdvertisement, localIP string, opts Options) error {
	s.StopBroadcast()

	if localIP != "" {
		adv.HostAddress = localIP
	}
	adv.Timestamp = s.nowF().UnixMilli()
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(s.channels))
	var g errgroup.Group
	for i, ch := range s.channels {
		g.Go(func() error {
			if err := ch.Start(ctx, adv, interval); err != nil {
				errs[i] = fmt.Errorf("%s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, ch := range s.channels {
		if errs[i] != nil {
			s.logger.Warn().Err(errs[i]).Str("channel", ch.Name()).Msg("channel failed to start")
			continue
		}
		s.live = append(s.live, ch)
	}
	if len(s.live) == 0 {
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("%w: %w", ErrBroadcastUnavailable, err)
		}
		return ErrBroadcastUnavailable
	}
	s.adv = adv
	s.logger.Info().Str("sid", string(adv.SessionID)).Str("addr", adv.HostAddress).Int("port", adv.Port).
		Int("channels", len(s.live)).Dur("interval", interval).Msg("broadcasting")
	return nil
}

// UpdateAdvertisement swaps the snapshot used by future answers. Address
// fields left empty keep their current values.
func (s *Service) UpdateAdvertisement(adv domain.SessionAdvertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) == 0 {
		return
	}
	if adv.HostAddress == "" {
		adv.HostAddress = s.adv.HostAddress
	}
	if adv.Port == 0 {
		adv.Port = s.adv.Port
	}
	s.adv = adv
	for _, ch := range s.live {
		if err := ch.Update(adv); err != nil {
			s.logger.Warn().Err(err).Str("channel", ch.Name()).Msg("advertisement update failed")
		}
	}
}

// StopBroadcast is a no-op when nothing is running.
func (s *Service) StopBroadcast() {
	s.mu.Lock()
	live := s.live
	s.live = nil
	s.mu.Unlock()
	for _, ch := range live {
		ch.Stop()
	}
	if len(live) > 0 {
		s.logger.Info().Msg("broadcast stopped")
	}
}

func (s *Service) IsBroadcasting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live) > 0
}

func (s *Service) Advertisement() domain.SessionAdvertisement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adv
}

// Channels names the channels currently running.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.live))
	for _, ch := range s.live {
		out = append(out, ch.Name())
	}
	return out
}
