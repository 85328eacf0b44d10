package broadcast

import (
	"context"
	"time"

	"github.com/dkeye/Party/internal/adapters/beacon"
	"github.com/dkeye/Party/internal/adapters/mdns"
	"github.com/dkeye/Party/internal/domain"
)

// Channel is one way of making a session visible on the LAN.
type Channel interface {
	Name() string
	Start(ctx context.Context, adv domain.SessionAdvertisement, interval time.Duration) error
	Update(adv domain.SessionAdvertisement) error
	Stop()
}

type mdnsChannel struct {
	cfg mdns.Config
	a   *mdns.Announcer
}

// MDNS publishes through a DNS-SD announcer.
func MDNS(cfg mdns.Config) Channel { return &mdnsChannel{cfg: cfg} }

func (c *mdnsChannel) Name() string { return "mdns" }

func (c *mdnsChannel) Start(ctx context.Context, adv domain.SessionAdvertisement, interval time.Duration) error {
	cfg := c.cfg
	if interval > 0 {
		cfg.Interval = interval
	}
	c.a = mdns.NewAnnouncer(cfg)
	return c.a.Start(ctx, adv)
}

func (c *mdnsChannel) Update(adv domain.SessionAdvertisement) error {
	if c.a == nil {
		return nil
	}
	return c.a.Update(adv)
}

func (c *mdnsChannel) Stop() {
	if c.a != nil {
		c.a.Stop()
	}
}

type beaconChannel struct {
	cfg beacon.Config
	r   *beacon.Responder
}

// Beacon answers UDP DISCOVER requests and re-broadcasts periodically.
func Beacon(cfg beacon.Config) Channel { return &beaconChannel{cfg: cfg} }

func (c *beaconChannel) Name() string { return "beacon" }

func (c *beaconChannel) Start(ctx context.Context, adv domain.SessionAdvertisement, interval time.Duration) error {
	cfg := c.cfg
	if interval > 0 {
		cfg.Interval = interval
	}
	c.r = beacon.NewResponder(cfg)
	return c.r.Start(ctx, adv)
}

func (c *beaconChannel) Update(adv domain.SessionAdvertisement) error {
	if c.r == nil {
		return nil
	}
	return c.r.Update(adv)
}

func (c *beaconChannel) Stop() {
	if c.r != nil {
		c.r.Stop()
	}
}
