package host

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	router "github.com/dkeye/Party/internal/adapters/http"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/broadcast"
	"github.com/dkeye/Party/internal/client"
	"github.com/dkeye/Party/internal/domain"
)

// recordingChannel keeps every advertisement it was given.
type recordingChannel struct {
	mu       sync.Mutex
	startErr error
	started  []domain.SessionAdvertisement
	updates  []domain.SessionAdvertisement
	stops    int
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Start(_ context.Context, adv domain.SessionAdvertisement, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, adv)
	return nil
}

func (c *recordingChannel) Update(adv domain.SessionAdvertisement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, adv)
	return nil
}

func (c *recordingChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *recordingChannel) lastUpdate() (domain.SessionAdvertisement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return domain.SessionAdvertisement{}, false
	}
	return c.updates[len(c.updates)-1], true
}

func newManager(t *testing.T, ch *recordingChannel) (*Manager, *app.Registry) {
	t.Helper()
	reg := app.NewRegistry()
	m := NewManager(Config{
		Device:      domain.Device{ID: "host-1", Name: "Hosty"},
		Mode:        "test",
		ListenAddr:  "127.0.0.1:0",
		AdvertiseIP: "127.0.0.1",
	}, reg, broadcast.NewService(ch))
	t.Cleanup(m.StopHosting)
	return m, reg
}

func (m *Manager) joinURL() string { return client.URL(m.Addr().String()) }

func join(t *testing.T, m *Manager, id domain.DeviceID) *client.Client {
	t.Helper()
	sess, ok := m.Session()
	require.True(t, ok)
	c := client.New(client.Config{
		URL:               m.joinURL(),
		SessionID:         sess.SessionID,
		Device:            domain.Device{ID: id, Name: string(id)},
		HeartbeatInterval: time.Hour,
	}, client.Handlers{})
	t.Cleanup(func() { c.Disconnect("") })
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestManager_CreateSession(t *testing.T) {
	m, reg := newManager(t, &recordingChannel{})

	s, err := m.CreateSession("  ", 4)
	require.NoError(t, err)
	assert.Equal(t, "Hosty's party", s.Name)
	assert.Len(t, s.Code, domain.CodeLen)
	assert.Equal(t, domain.DeviceID("host-1"), s.HostID)
	assert.True(t, reg.IsActive(s.SessionID))
	assert.Equal(t, s.Code, m.SessionCode())

	again, err := m.CreateSession("Second", 4)
	require.NoError(t, err)
	assert.False(t, reg.IsActive(s.SessionID), "unhosted session is replaced")
	assert.True(t, reg.IsActive(again.SessionID))

	_, err = m.CreateSession("bad", 0)
	assert.ErrorIs(t, err, app.ErrInvalidCapacity)
}

func TestManager_CreateSessionNameLimit(t *testing.T) {
	m, reg := newManager(t, &recordingChannel{})
	kept, err := m.CreateSession("Kept", 4)
	require.NoError(t, err)

	_, err = m.CreateSession(strings.Repeat("x", domain.MaxSessionNameLen+1), 4)
	assert.ErrorIs(t, err, domain.ErrSessionNameTooLong)
	assert.True(t, reg.IsActive(kept.SessionID), "rejected name leaves the created session alone")

	s, err := m.CreateSession("  "+strings.Repeat("x", domain.MaxSessionNameLen)+"  ", 4)
	require.NoError(t, err)
	assert.Len(t, s.Name, domain.MaxSessionNameLen)
}

func TestManager_StartHostingRequiresSession(t *testing.T) {
	m, _ := newManager(t, &recordingChannel{})
	assert.ErrorIs(t, m.StartHosting(context.Background()), ErrNoSession)
	assert.ErrorIs(t, m.KickMember("x", ""), ErrNotHosting)
	assert.Nil(t, m.Members())
}

func TestManager_HostingLifecycle(t *testing.T) {
	ch := &recordingChannel{}
	m, reg := newManager(t, ch)
	s, err := m.CreateSession("Friday", 3)
	require.NoError(t, err)

	var rosterMu sync.Mutex
	var rosters [][]domain.Member
	unsub := m.SubscribeMembers(func(ms []domain.Member) {
		rosterMu.Lock()
		rosters = append(rosters, ms)
		rosterMu.Unlock()
	})
	defer unsub()

	require.NoError(t, m.StartHosting(context.Background()))
	assert.True(t, m.IsHosting())
	assert.ErrorIs(t, m.StartHosting(context.Background()), ErrAlreadyHosting)
	_, err = m.CreateSession("other", 2)
	assert.ErrorIs(t, err, ErrAlreadyHosting)

	require.Len(t, ch.started, 1)
	adv := ch.started[0]
	assert.Equal(t, s.SessionID, adv.SessionID)
	assert.Equal(t, "127.0.0.1", adv.HostAddress)
	assert.NotZero(t, adv.Port)
	assert.Equal(t, 1, adv.MemberCount)

	join(t, m, "A")
	require.Eventually(t, func() bool {
		last, ok := ch.lastUpdate()
		return ok && last.MemberCount == 2
	}, 2*time.Second, 10*time.Millisecond, "roster change re-advertises")
	assert.Equal(t, 2, m.ConnectedCount())

	members := m.Members()
	require.Len(t, members, 2)
	assert.Equal(t, domain.RoleHost, members[0].Role)

	got, ok := m.Advertisement()
	require.True(t, ok)
	assert.Equal(t, 2, got.MemberCount)

	m.StopHosting()
	m.StopHosting()
	assert.False(t, m.IsHosting())
	assert.False(t, reg.IsActive(s.SessionID))
	ch.mu.Lock()
	assert.Equal(t, 1, ch.stops)
	ch.mu.Unlock()

	rosterMu.Lock()
	defer rosterMu.Unlock()
	require.NotEmpty(t, rosters)
	assert.Nil(t, rosters[len(rosters)-1])
}

func TestManager_KickMember(t *testing.T) {
	m, _ := newManager(t, &recordingChannel{})
	_, err := m.CreateSession("Kick", 3)
	require.NoError(t, err)
	require.NoError(t, m.StartHosting(context.Background()))

	c := join(t, m, "A")
	assert.Error(t, m.KickMember("host-1", "no"))
	require.NoError(t, m.KickMember("A", "bye"))
	require.Eventually(t, func() bool { return c.State() == client.StateDisconnected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.ConnectedCount())
}

func TestManager_BroadcastFailureKeepsHosting(t *testing.T) {
	m, _ := newManager(t, &recordingChannel{startErr: errors.New("no multicast")})
	_, err := m.CreateSession("Quiet", 2)
	require.NoError(t, err)

	require.NoError(t, m.StartHosting(context.Background()))
	join(t, m, "A")
	assert.Equal(t, 2, m.ConnectedCount())
}

func TestManager_JoinByCode(t *testing.T) {
	m, _ := newManager(t, &recordingChannel{})
	s, err := m.CreateSession("Code", 2)
	require.NoError(t, err)
	require.NoError(t, m.StartHosting(context.Background()))

	c := client.New(client.Config{
		URL:               m.joinURL(),
		SessionCode:       domain.FormatCode(s.Code),
		Device:            domain.Device{ID: "B", Name: "B"},
		HeartbeatInterval: time.Hour,
	}, client.Handlers{})
	t.Cleanup(func() { c.Disconnect("") })
	require.NoError(t, c.Connect(context.Background()))
	w, _ := c.Welcome()
	assert.Equal(t, s.SessionID, w.SessionID)
}

func TestManager_RESTSession(t *testing.T) {
	m, _ := newManager(t, &recordingChannel{})
	s, err := m.CreateSession("Rest", 2)
	require.NoError(t, err)
	require.NoError(t, m.StartHosting(context.Background()))

	resp, err := http.Get("http://" + m.Addr().String() + "/api/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body router.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, s.SessionID, body.Session.SessionID)
	assert.Equal(t, domain.FormatCode(s.Code), body.Code)
}
