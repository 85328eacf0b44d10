// Package discovery finds advertised sessions on the local network. Probes
// each speak one transport; the Manager runs them with ordered fallback and
// turns their raw results into a deduplicated, expiring session list.
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Party/internal/domain"
)

// Method names the transport a session was seen through.
type Method string

const (
	MethodPrimary   Method = "primary-probe"
	MethodFallback  Method = "fallback-probe"
	MethodSimulated Method = "simulated"
)

// Reliability orders methods; a higher value wins on upgrade.
func (m Method) Reliability() int {
	switch m {
	case MethodPrimary:
		return 3
	case MethodFallback:
		return 2
	case MethodSimulated:
		return 1
	}
	return 0
}

// Signal strengths reported per transport.
const (
	PrimarySignal   = 100
	FallbackSignal  = 75
	SimulatedSignal = 50
)

var (
	// ErrTransportUnavailable is wrapped by probes that cannot open their
	// transport on this host; the manager falls through on it.
	ErrTransportUnavailable = errors.New("discovery transport unavailable")
	// ErrDiscoveryUnavailable means every transport failed to start.
	ErrDiscoveryUnavailable = errors.New("no discovery transport could be started")
	ErrAlreadyScanning      = errors.New("scan already active")
)

// DiscoveredSession is one entry of the discovered list. Owned by the
// manager; callers get copies.
type DiscoveredSession struct {
	Advertisement  domain.SessionAdvertisement `json:"advertisement"`
	Method         Method                      `json:"discoveryMethod"`
	SignalStrength int                         `json:"signalStrength"`
	LastSeen       time.Time                   `json:"lastSeen"`
	IPAddress      string                      `json:"ipAddress,omitempty"`
	Port           int                         `json:"port,omitempty"`

	expiresAt time.Time
}

// Endpoint resolves where to dial: explicit probe address first, then the
// advertised one.
func (d DiscoveredSession) Endpoint() (string, bool) {
	adv := d.Advertisement
	if d.IPAddress != "" {
		adv.HostAddress = d.IPAddress
	}
	if d.Port != 0 {
		adv.Port = d.Port
	}
	return adv.Endpoint()
}

type (
	FoundFunc func(DiscoveredSession)
	LostFunc  func(domain.SessionID)
)

// ScanOptions are passed to a probe's StartScan.
type ScanOptions struct {
	// Timeout auto-stops the scan; zero scans until StopScan.
	Timeout time.Duration
	// Interval is the probe's own query/beacon period.
	Interval time.Duration
	// LocalAddress is used to drop our own answers.
	LocalAddress string
}

// Probe is one independently pluggable discovery transport.
type Probe interface {
	Method() Method
	// StartScan returns once the transport is listening, or fails fast.
	StartScan(ctx context.Context, onFound FoundFunc, onLost LostFunc, opts ScanOptions) error
	// StopScan is a no-op when idle.
	StopScan()
	DiscoveredSessions() []DiscoveredSession
	IsActive() bool
}
