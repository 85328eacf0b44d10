package app

import "github.com/dkeye/Party/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	// KickMember removes the member and closes its connection.
	KickMember
	// DropFrame skips the frame for that member and keeps it connected.
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(roster core.RosterService, member core.MemberSession) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(roster core.RosterService, member core.MemberSession) BackpressureAction {
	if member.Meta().IsHost() {
		return NoAction
	}
	return KickMember
}
