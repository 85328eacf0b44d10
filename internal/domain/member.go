package domain

import "time"

type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusPending      ConnectionStatus = "pending"
)

// Member represents a device's participation in a session roster.
// No transport or lifecycle logic here.
type Member struct {
	ID        DeviceID
	Name      string
	Role      Role
	Status    ConnectionStatus
	JoinedAt  time.Time
	LastSeen  time.Time
	Address   string
	LatencyMs *int64
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(d *Device, role Role, address string, now time.Time) *Member {
	return &Member{
		ID:       d.ID,
		Name:     d.Name,
		Role:     role,
		Status:   StatusConnected,
		JoinedAt: now,
		LastSeen: now,
		Address:  address,
	}
}

func (m *Member) IsHost() bool { return m.Role == RoleHost }
