package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Party/internal/domain"
)

// NewMessageID returns "<ms>-<suffix>". Good enough for log correlation and
// idempotency, not meant to be unguessable.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Builder stamps every message with a timestamp and a message id.
type Builder struct {
	nowF func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{nowF: time.Now}
}

func (b *Builder) now() time.Time {
	if b == nil || b.nowF == nil {
		return time.Now()
	}
	return b.nowF()
}

func (b *Builder) build(p Payload) Message {
	now := b.now()
	return Message{
		Type:      p.Type(),
		Timestamp: now.UnixMilli(),
		MessageID: NewMessageID(now),
		Payload:   p,
	}
}

func (b *Builder) Join(sessionID domain.SessionID, code string, device domain.Device) Message {
	return b.build(JoinPayload{
		SessionID:   sessionID,
		SessionCode: code,
		DeviceID:    device.ID,
		DeviceName:  device.Name,
		Version:     ProtocolVersion,
	})
}

func (b *Builder) Leave(id domain.DeviceID, reason string) Message {
	return b.build(LeavePayload{DeviceID: id, Reason: reason})
}

func (b *Builder) Heartbeat(id domain.DeviceID) Message {
	return b.build(HeartbeatPayload{DeviceID: id, Timestamp: b.now().UnixMilli()})
}

func (b *Builder) Welcome(adv domain.SessionAdvertisement, you domain.DeviceID, connectedAt time.Time) Message {
	return b.build(WelcomePayload{
		SessionID:    adv.SessionID,
		SessionName:  adv.SessionName,
		HostID:       adv.HostID,
		HostName:     adv.HostName,
		YourDeviceID: you,
		ConnectedAt:  connectedAt.UnixMilli(),
	})
}

func (b *Builder) MemberList(members []domain.Member) Message {
	infos := make([]MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, MemberInfoFrom(m))
	}
	return b.build(MemberListPayload{Members: infos, TotalCount: len(infos)})
}

func (b *Builder) MemberJoined(m domain.Member) Message {
	return b.build(MemberJoinedPayload{Member: MemberInfoFrom(m)})
}

func (b *Builder) MemberLeft(id domain.DeviceID, name, reason string) Message {
	return b.build(MemberLeftPayload{DeviceID: id, DeviceName: name, Reason: reason})
}

func (b *Builder) Kicked(reason string) Message {
	return b.build(KickedPayload{Reason: reason})
}

func (b *Builder) SessionClosed(reason string) Message {
	return b.build(SessionClosedPayload{Reason: reason})
}

func (b *Builder) Error(code ErrorCode, message string) Message {
	return b.build(ErrorPayload{Code: code, Message: message})
}

func (b *Builder) Ping() Message {
	return b.build(PingPayload{Timestamp: b.now().UnixMilli()})
}

// Pong echoes pingTimestamp so the sender can compute the round trip.
func (b *Builder) Pong(pingTimestamp int64) Message {
	return b.build(PongPayload{Timestamp: b.now().UnixMilli(), PingTimestamp: pingTimestamp})
}
