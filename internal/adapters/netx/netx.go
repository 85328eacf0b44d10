// Package netx holds the UDP socket helpers shared by the LAN discovery
// transports.
package netx

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ListenUDP binds 0.0.0.0:port with address reuse so several transports or
// sessions on one machine can share a well-known port.
func ListenUDP(ctx context.Context, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}
	return conn, nil
}

// ResolveTargets maps configured hosts to port, or falls back to every
// interface broadcast address plus the limited broadcast.
func ResolveTargets(hosts []string, port int) ([]*net.UDPAddr, error) {
	if len(hosts) == 0 {
		return BroadcastAddrs(port)
	}
	out := make([]*net.UDPAddr, 0, len(hosts))
	for _, h := range hosts {
		ip := net.ParseIP(h)
		if ip == nil {
			return nil, fmt.Errorf("invalid target %q", h)
		}
		out = append(out, &net.UDPAddr{IP: ip, Port: port})
	}
	return out, nil
}

func BroadcastAddrs(port int) ([]*net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var addrs []*net.UDPAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifaceAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || len(ipNet.Mask) != 4 {
				continue
			}
			mask := ipNet.Mask
			bcast := net.IPv4(ip[0]|^mask[0], ip[1]|^mask[1], ip[2]|^mask[2], ip[3]|^mask[3])
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	addrs = append(addrs, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	return addrs, nil
}

// LocalIPv4 picks the first non-loopback IPv4 address of an up interface.
func LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if ip := ipNet.IP.To4(); ip != nil {
					return ip.String(), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address")
}

// MulticastInterfaces lists up interfaces that can join a multicast group.
func MulticastInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}
