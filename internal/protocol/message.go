// Package protocol defines the host<->client wire messages, the builder used to
// produce them and the decoding boundary that rejects anything outside the
// closed set of message types.
package protocol

import (
	"time"

	"github.com/dkeye/Party/internal/domain"
)

type MessageType string

const (
	// client -> host
	TypeJoin      MessageType = "JOIN"
	TypeLeave     MessageType = "LEAVE"
	TypeHeartbeat MessageType = "HEARTBEAT"

	// host -> client
	TypeWelcome       MessageType = "WELCOME"
	TypeMemberList    MessageType = "MEMBER_LIST"
	TypeMemberJoined  MessageType = "MEMBER_JOINED"
	TypeMemberLeft    MessageType = "MEMBER_LEFT"
	TypeKicked        MessageType = "KICKED"
	TypeSessionClosed MessageType = "SESSION_CLOSED"
	TypeError         MessageType = "ERROR"

	// either direction
	TypePing MessageType = "PING"
	TypePong MessageType = "PONG"
)

// SentByClient reports whether a host may legitimately receive t.
func (t MessageType) SentByClient() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeHeartbeat, TypePing, TypePong:
		return true
	}
	return false
}

// SentByHost reports whether a client may legitimately receive t.
func (t MessageType) SentByHost() bool {
	switch t {
	case TypeWelcome, TypeMemberList, TypeMemberJoined, TypeMemberLeft,
		TypeKicked, TypeSessionClosed, TypeError, TypePing, TypePong:
		return true
	}
	return false
}

// Payload is implemented by every message body. The set is closed.
type Payload interface {
	Type() MessageType
}

// Message is a decoded envelope.
type Message struct {
	Type      MessageType
	Timestamp int64
	MessageID string
	Payload   Payload
}

type JoinPayload struct {
	SessionID   domain.SessionID `json:"sessionId" validate:"required_without=SessionCode"`
	SessionCode string           `json:"sessionCode,omitempty"`
	DeviceID    domain.DeviceID  `json:"deviceId" validate:"required,max=64"`
	DeviceName  string           `json:"deviceName" validate:"required,max=36"`
	Version     string           `json:"version" validate:"required"`
}

type LeavePayload struct {
	DeviceID domain.DeviceID `json:"deviceId" validate:"required"`
	Reason   string          `json:"reason,omitempty"`
}

type HeartbeatPayload struct {
	DeviceID  domain.DeviceID `json:"deviceId" validate:"required"`
	Timestamp int64           `json:"timestamp"`
}

type WelcomePayload struct {
	SessionID    domain.SessionID `json:"sessionId" validate:"required"`
	SessionName  string           `json:"sessionName"`
	HostID       domain.DeviceID  `json:"hostId" validate:"required"`
	HostName     string           `json:"hostName"`
	YourDeviceID domain.DeviceID  `json:"yourDeviceId" validate:"required"`
	ConnectedAt  int64            `json:"connectedAt"`
}

type MemberListPayload struct {
	Members    []MemberInfo `json:"members" validate:"dive"`
	TotalCount int          `json:"totalCount"`
}

type MemberJoinedPayload struct {
	Member MemberInfo `json:"member"`
}

type MemberLeftPayload struct {
	DeviceID   domain.DeviceID `json:"deviceId" validate:"required"`
	DeviceName string          `json:"deviceName"`
	Reason     string          `json:"reason,omitempty"`
}

type KickedPayload struct {
	Reason string `json:"reason"`
}

type SessionClosedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code" validate:"required"`
	Message string    `json:"message"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp" validate:"required"`
}

type PongPayload struct {
	Timestamp     int64 `json:"timestamp"`
	PingTimestamp int64 `json:"pingTimestamp" validate:"required"`
}

func (JoinPayload) Type() MessageType          { return TypeJoin }
func (LeavePayload) Type() MessageType         { return TypeLeave }
func (HeartbeatPayload) Type() MessageType     { return TypeHeartbeat }
func (WelcomePayload) Type() MessageType       { return TypeWelcome }
func (MemberListPayload) Type() MessageType    { return TypeMemberList }
func (MemberJoinedPayload) Type() MessageType  { return TypeMemberJoined }
func (MemberLeftPayload) Type() MessageType    { return TypeMemberLeft }
func (KickedPayload) Type() MessageType        { return TypeKicked }
func (SessionClosedPayload) Type() MessageType { return TypeSessionClosed }
func (ErrorPayload) Type() MessageType         { return TypeError }
func (PingPayload) Type() MessageType          { return TypePing }
func (PongPayload) Type() MessageType          { return TypePong }

// MemberInfo is the wire view of a roster entry.
type MemberInfo struct {
	ID               domain.DeviceID         `json:"id" validate:"required"`
	Name             string                  `json:"name"`
	Role             domain.Role             `json:"role" validate:"oneof=host client"`
	ConnectionStatus domain.ConnectionStatus `json:"connectionStatus"`
	JoinedAt         int64                   `json:"joinedAt"`
	LastSeen         int64                   `json:"lastSeen"`
	Address          string                  `json:"address,omitempty"`
	LatencyMs        *int64                  `json:"latencyMs,omitempty"`
}

func MemberInfoFrom(m domain.Member) MemberInfo {
	return MemberInfo{
		ID:               m.ID,
		Name:             m.Name,
		Role:             m.Role,
		ConnectionStatus: m.Status,
		JoinedAt:         m.JoinedAt.UnixMilli(),
		LastSeen:         m.LastSeen.UnixMilli(),
		Address:          m.Address,
		LatencyMs:        m.LatencyMs,
	}
}

func (mi MemberInfo) Member() domain.Member {
	return domain.Member{
		ID:        mi.ID,
		Name:      mi.Name,
		Role:      mi.Role,
		Status:    mi.ConnectionStatus,
		JoinedAt:  time.UnixMilli(mi.JoinedAt),
		LastSeen:  time.UnixMilli(mi.LastSeen),
		Address:   mi.Address,
		LatencyMs: mi.LatencyMs,
	}
}
