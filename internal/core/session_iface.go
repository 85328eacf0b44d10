package core

import "github.com/dkeye/Party/internal/domain"

// MemberSession binds domain.Member and its transport endpoint.
// This is what a roster stores and fans out to. The host's own entry has
// no signal connection.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}
