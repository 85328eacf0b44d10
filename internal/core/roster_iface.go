package core

import (
	"time"

	"github.com/dkeye/Party/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RosterService is the core-facing API of a hosted session's membership.
// It owns the membership set but never touches transport resources.
type RosterService interface {
	Host() domain.Member
	// Count is host + clients, computed on every call.
	Count() int
	ClientCount() int
	Has(id domain.DeviceID) bool
	Get(id domain.DeviceID) (MemberSession, bool)

	// Add fails when the id is already present.
	Add(ms MemberSession) bool
	// Remove never removes the host.
	Remove(id domain.DeviceID) (MemberSession, bool)
	Touch(id domain.DeviceID, at time.Time) bool
	SetLatency(id domain.DeviceID, ms int64) bool

	Snapshot() []domain.Member
	Clients() []MemberSession
	Broadcast(from domain.DeviceID, data Frame) PublishResult
}
