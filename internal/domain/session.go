package domain

import (
	"errors"
	"time"
)

type SessionID string

// MaxSessionNameLen keeps an advertised name inside one 255-byte TXT string.
const MaxSessionNameLen = 64

var ErrSessionNameTooLong = errors.New("session name too long")

// SessionAdvertisement is the immutable snapshot a host publishes so that
// discovery probes can present a session before joining. HostAddress and
// Port are empty when the transport cannot carry them.
type SessionAdvertisement struct {
	SessionID           SessionID `json:"sessionId"`
	SessionName         string    `json:"sessionName"`
	HostID              DeviceID  `json:"hostId"`
	HostName            string    `json:"hostName"`
	HostAddress         string    `json:"hostAddress,omitempty"`
	Port                int       `json:"port,omitempty"`
	MemberCount         int       `json:"memberCount"`
	MaxMembers          int       `json:"maxMembers"`
	IsPasswordProtected bool      `json:"isPasswordProtected"`
	ProtocolVersion     string    `json:"protocolVersion"`
	Timestamp           int64     `json:"timestamp"`
}

// WithMembers returns a re-issued copy carrying the new member count.
func (a SessionAdvertisement) WithMembers(count int, now time.Time) SessionAdvertisement {
	a.MemberCount = count
	a.Timestamp = now.UnixMilli()
	return a
}

// Endpoint returns host:port when both are known.
func (a SessionAdvertisement) Endpoint() (string, bool) {
	if a.HostAddress == "" || a.Port == 0 {
		return "", false
	}
	return joinHostPort(a.HostAddress, a.Port), true
}
