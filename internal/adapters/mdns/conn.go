package mdns

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/dkeye/Party/internal/adapters/netx"
)

const (
	DefaultAnnounceInterval = 3 * time.Second
	maxPacket               = 9000
)

// Config is shared by Announcer and Probe.
type Config struct {
	Service string
	Port    int
	// Interval is the re-announce period for the announcer and the query
	// period for the probe.
	Interval time.Duration
	TTL      uint32
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Interval <= 0 {
		c.Interval = DefaultAnnounceInterval
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	return c
}

func (c Config) group() *net.UDPAddr {
	return &net.UDPAddr{IP: groupIPv4, Port: c.Port}
}

// openGroup binds the mDNS port and joins the group on every multicast
// capable interface. At least one join must succeed.
func openGroup(ctx context.Context, port int) (*net.UDPConn, error) {
	conn, err := netx.ListenUDP(ctx, port)
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := netx.MulticastInterfaces()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: groupIPv4}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		_ = conn.Close()
		return nil, errors.New("mdns: no interface could join the multicast group")
	}
	_ = pc.SetMulticastLoopback(true)
	_ = pc.SetMulticastTTL(255)
	return conn, nil
}
