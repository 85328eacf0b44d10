package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

const (
	testSession = domain.SessionID("S1")
	testCode    = "ABC234"
	hostID      = domain.DeviceID("host-device")
)

type harness struct {
	srv *Server
	reg *app.Registry
	url string
}

func newHarness(t *testing.T, maxMembers int, cfg Config, opts ...func(*Server)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := app.NewRegistry()
	_, err := reg.RegisterSession(testSession, testCode, "Party", hostID, "Host", maxMembers)
	require.NoError(t, err)

	host := domain.NewMember(&domain.Device{ID: hostID, Name: "Host"}, domain.RoleHost, "", time.Now())
	srv := NewServer(*host, Session{ID: testSession, Name: "Party", MaxMembers: maxMembers}, reg, cfg)
	for _, opt := range opts {
		opt(srv)
	}
	srv.Start(context.Background())

	r := gin.New()
	r.GET("/ws", srv.HandleSignal)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Stop("")
		ts.Close()
	})
	return &harness{srv: srv, reg: reg, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

type testClient struct {
	t  *testing.T
	id domain.DeviceID
	ws *websocket.Conn
	b  *protocol.Builder
}

func (h *harness) dial(t *testing.T, id domain.DeviceID) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, id: id, ws: ws, b: protocol.NewBuilder()}
}

func (c *testClient) send(m protocol.Message) {
	c.t.Helper()
	frame, err := protocol.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, frame))
}

func (c *testClient) next() protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	m, err := protocol.Decode(data)
	require.NoError(c.t, err)
	return m
}

// expect skips messages until one of type typ arrives.
func (c *testClient) expect(typ protocol.MessageType) protocol.Message {
	c.t.Helper()
	for {
		m := c.next()
		if m.Type == typ {
			return m
		}
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			assert.False(c.t, isTimeout(err), "connection not closed by host")
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}

func (c *testClient) join() protocol.WelcomePayload {
	c.t.Helper()
	c.send(c.b.Join(testSession, "", domain.Device{ID: c.id, Name: "dev " + string(c.id)}))
	m := c.next()
	require.Equal(c.t, protocol.TypeWelcome, m.Type, "got %+v", m.Payload)
	return m.Payload.(protocol.WelcomePayload)
}

func (c *testClient) expectError(code protocol.ErrorCode) {
	c.t.Helper()
	m := c.next()
	require.Equal(c.t, protocol.TypeError, m.Type)
	assert.Equal(c.t, code, m.Payload.(protocol.ErrorPayload).Code)
}

func TestServer_JoinSendsWelcomeAndMemberList(t *testing.T) {
	h := newHarness(t, 4, Config{})
	a := h.dial(t, "dev-a")

	welcome := a.join()
	assert.Equal(t, testSession, welcome.SessionID)
	assert.Equal(t, hostID, welcome.HostID)
	assert.Equal(t, domain.DeviceID("dev-a"), welcome.YourDeviceID)

	list := a.next()
	require.Equal(t, protocol.TypeMemberList, list.Type)
	members := list.Payload.(protocol.MemberListPayload)
	require.Equal(t, 2, members.TotalCount)
	assert.Equal(t, hostID, members.Members[0].ID)
	assert.Equal(t, domain.RoleHost, members.Members[0].Role)
	assert.Equal(t, domain.DeviceID("dev-a"), members.Members[1].ID)

	b := h.dial(t, "dev-b")
	b.join()
	joined := a.expect(protocol.TypeMemberJoined)
	assert.Equal(t, domain.DeviceID("dev-b"), joined.Payload.(protocol.MemberJoinedPayload).Member.ID)

	assert.Equal(t, 3, h.srv.ConnectedCount())
	s, ok := h.reg.Get(testSession)
	require.True(t, ok)
	assert.Equal(t, 2, s.MemberCount())
}

func TestServer_FullSessionRejectsThirdClient(t *testing.T) {
	h := newHarness(t, 2, Config{})
	h.dial(t, "dev-a").join()
	h.dial(t, "dev-b").join()

	c := h.dial(t, "dev-c")
	c.send(c.b.Join(testSession, "", domain.Device{ID: "dev-c", Name: "C"}))
	c.expectError(protocol.CodeSessionFull)
	c.expectClosed()

	ids := make([]domain.DeviceID, 0, 3)
	for _, m := range h.srv.Members() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []domain.DeviceID{hostID, "dev-a", "dev-b"}, ids)
}

func TestServer_UnknownSession(t *testing.T) {
	h := newHarness(t, 2, Config{})
	c := h.dial(t, "dev-a")
	c.send(c.b.Join("other-session", "", domain.Device{ID: "dev-a", Name: "A"}))
	c.expectError(protocol.CodeSessionNotFound)
	c.expectClosed()
	assert.Equal(t, 1, h.srv.ConnectedCount())
}

func TestServer_DuplicateDevice(t *testing.T) {
	h := newHarness(t, 4, Config{})
	h.dial(t, "dev-a").join()

	dup := h.dial(t, "dev-a")
	dup.send(dup.b.Join(testSession, "", domain.Device{ID: "dev-a", Name: "A again"}))
	dup.expectError(protocol.CodeAlreadyJoined)
	dup.expectClosed()

	host := h.dial(t, hostID)
	host.send(host.b.Join(testSession, "", domain.Device{ID: hostID, Name: "Host"}))
	host.expectError(protocol.CodeAlreadyJoined)
}

func TestServer_AdmissionOrder(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.dial(t, "dev-a").join()

	// wrong session and full: session check wins
	c := h.dial(t, "dev-b")
	c.send(c.b.Join("nope", "", domain.Device{ID: "dev-b", Name: "B"}))
	c.expectError(protocol.CodeSessionNotFound)

	// full and bad version: capacity wins
	d := h.dial(t, "dev-c")
	d.send(protocol.Message{Type: protocol.TypeJoin, Payload: protocol.JoinPayload{
		SessionID: testSession, DeviceID: "dev-c", DeviceName: "C", Version: "2.0.0",
	}})
	d.expectError(protocol.CodeSessionFull)
}

func TestServer_VersionMismatch(t *testing.T) {
	h := newHarness(t, 4, Config{})
	c := h.dial(t, "dev-a")
	c.send(protocol.Message{Type: protocol.TypeJoin, Payload: protocol.JoinPayload{
		SessionID: testSession, DeviceID: "dev-a", DeviceName: "A", Version: "2.0.0",
	}})
	c.expectError(protocol.CodeVersionMismatch)
	c.expectClosed()
}

func TestServer_JoinByCode(t *testing.T) {
	h := newHarness(t, 4, Config{})
	c := h.dial(t, "dev-a")
	c.send(c.b.Join("", "abc-234", domain.Device{ID: "dev-a", Name: "A"}))
	assert.Equal(t, protocol.TypeWelcome, c.next().Type)

	bad := h.dial(t, "dev-b")
	bad.send(bad.b.Join("", "ZZZ999", domain.Device{ID: "dev-b", Name: "B"}))
	bad.expectError(protocol.CodeSessionNotFound)
}

func TestServer_InvalidMessageKeepsConnection(t *testing.T) {
	h := newHarness(t, 4, Config{})
	c := h.dial(t, "dev-a")
	c.join()
	c.expect(protocol.TypeMemberList)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"DANCE","payload":{}}`)))
	c.expectError(protocol.CodeInvalidMessage)
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	c.expectError(protocol.CodeInvalidMessage)
	c.send(c.b.Kicked("clients cannot kick"))
	c.expectError(protocol.CodeInvalidMessage)

	ping := c.b.Ping()
	c.send(ping)
	pong := c.expect(protocol.TypePong)
	assert.Equal(t, ping.Payload.(protocol.PingPayload).Timestamp, pong.Payload.(protocol.PongPayload).PingTimestamp)
	assert.Equal(t, 2, h.srv.ConnectedCount())
}

func TestServer_MessagesBeforeJoin(t *testing.T) {
	h := newHarness(t, 4, Config{})
	c := h.dial(t, "dev-a")
	c.send(c.b.Heartbeat("dev-a"))
	c.expectError(protocol.CodeInvalidMessage)
	c.send(c.b.Ping())
	assert.Equal(t, protocol.TypePong, c.next().Type)
	c.join()
}

func TestServer_LeaveBroadcastsMemberLeft(t *testing.T) {
	h := newHarness(t, 4, Config{})
	a, b := h.dial(t, "dev-a"), h.dial(t, "dev-b")
	a.join()
	b.join()
	a.expect(protocol.TypeMemberJoined)

	b.send(b.b.Leave("dev-b", ""))
	left := a.expect(protocol.TypeMemberLeft).Payload.(protocol.MemberLeftPayload)
	assert.Equal(t, domain.DeviceID("dev-b"), left.DeviceID)
	assert.Equal(t, ReasonLeft, left.Reason)
	b.expectClosed()

	assert.Equal(t, 2, h.srv.ConnectedCount())
	s, _ := h.reg.Get(testSession)
	assert.Equal(t, []domain.DeviceID{"dev-a"}, s.Members())
}

func TestServer_AbruptCloseRemovesClient(t *testing.T) {
	h := newHarness(t, 4, Config{})
	a, b := h.dial(t, "dev-a"), h.dial(t, "dev-b")
	a.join()
	b.join()
	a.expect(protocol.TypeMemberJoined)

	require.NoError(t, b.ws.Close())
	left := a.expect(protocol.TypeMemberLeft).Payload.(protocol.MemberLeftPayload)
	assert.Equal(t, ReasonDisconnected, left.Reason)
	require.Eventually(t, func() bool { return h.srv.ConnectedCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestServer_HeartbeatTimeoutEvictsSilentClient(t *testing.T) {
	h := newHarness(t, 4, Config{HeartbeatTimeout: 200 * time.Millisecond, SweepInterval: 20 * time.Millisecond})
	a, b := h.dial(t, "dev-a"), h.dial(t, "dev-b")
	a.join()
	b.join()
	a.expect(protocol.TypeMemberJoined)
	require.Equal(t, 3, h.srv.ConnectedCount())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				frame, _ := protocol.Encode(a.b.Heartbeat("dev-a"))
				_ = a.ws.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}()

	left := a.expect(protocol.TypeMemberLeft).Payload.(protocol.MemberLeftPayload)
	assert.Equal(t, domain.DeviceID("dev-b"), left.DeviceID)
	assert.Equal(t, ReasonTimeout, left.Reason)
	assert.Equal(t, 2, h.srv.ConnectedCount())
	b.expectClosed()
}

func TestServer_KickClient(t *testing.T) {
	h := newHarness(t, 4, Config{})
	a, b := h.dial(t, "dev-a"), h.dial(t, "dev-b")
	a.join()
	b.join()
	a.expect(protocol.TypeMemberJoined)

	assert.ErrorIs(t, h.srv.KickClient(hostID, "no"), ErrCannotKickHost)
	assert.ErrorIs(t, h.srv.KickClient("ghost", "no"), ErrMemberNotFound)

	require.NoError(t, h.srv.KickClient("dev-b", "be nice"))
	kicked := b.expect(protocol.TypeKicked)
	assert.Equal(t, "be nice", kicked.Payload.(protocol.KickedPayload).Reason)
	b.expectClosed()

	left := a.expect(protocol.TypeMemberLeft).Payload.(protocol.MemberLeftPayload)
	assert.Equal(t, ReasonKicked, left.Reason)
	assert.Equal(t, 2, h.srv.ConnectedCount())
}

func TestServer_StopClosesSession(t *testing.T) {
	h := newHarness(t, 4, Config{})
	a := h.dial(t, "dev-a")
	a.join()
	a.expect(protocol.TypeMemberList)

	h.srv.Stop("bye")
	closed := a.expect(protocol.TypeSessionClosed)
	assert.Equal(t, "bye", closed.Payload.(protocol.SessionClosedPayload).Reason)
	a.expectClosed()
	h.srv.Stop("again")
	assert.Equal(t, 1, h.srv.ConnectedCount())

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_JoinRateLimited(t *testing.T) {
	h := newHarness(t, 4, Config{JoinRateLimit: 2, JoinRateWindow: time.Minute})
	for i := 0; i < 2; i++ {
		c := h.dial(t, "dev-a")
		c.send(c.b.Join("wrong", "", domain.Device{ID: "dev-a", Name: "A"}))
		c.expectError(protocol.CodeSessionNotFound)
	}
	c := h.dial(t, "dev-a")
	c.send(c.b.Join(testSession, "", domain.Device{ID: "dev-a", Name: "A"}))
	c.expectError(protocol.CodeUnauthorized)
	c.expectClosed()
}

type handlerLog struct {
	mu      sync.Mutex
	joined  []domain.DeviceID
	left    []string
	changes []int
}

func TestServer_Handlers(t *testing.T) {
	var hl handlerLog
	h := newHarness(t, 4, Config{}, func(s *Server) {
		s.WithHandlers(handlerLogHandlers(&hl))
	})
	a := h.dial(t, "dev-a")
	a.join()
	a.send(a.b.Leave("dev-a", "bored"))
	a.expectClosed()

	require.Eventually(t, func() bool {
		hl.mu.Lock()
		defer hl.mu.Unlock()
		return len(hl.left) == 1
	}, time.Second, 10*time.Millisecond)
	hl.mu.Lock()
	defer hl.mu.Unlock()
	assert.Equal(t, []domain.DeviceID{"dev-a"}, hl.joined)
	assert.Equal(t, []string{"dev-a:bored"}, hl.left)
	assert.Equal(t, []int{2, 1}, hl.changes)
}

func handlerLogHandlers(hl *handlerLog) Handlers {
	return Handlers{
		OnClientJoined: func(m domain.Member) {
			hl.mu.Lock()
			hl.joined = append(hl.joined, m.ID)
			hl.mu.Unlock()
		},
		OnClientLeft: func(id domain.DeviceID, reason string) {
			hl.mu.Lock()
			hl.left = append(hl.left, string(id)+":"+reason)
			hl.mu.Unlock()
		},
		OnMemberListChanged: func(ms []domain.Member) {
			hl.mu.Lock()
			hl.changes = append(hl.changes, len(ms))
			hl.mu.Unlock()
		},
	}
}

type stuckConn struct{ closed bool }

func (c *stuckConn) TrySend(core.Frame) error { return ErrBackpressure }
func (c *stuckConn) Close()                   { c.closed = true }

type okConn struct{ frames int }

func (c *okConn) TrySend(core.Frame) error { c.frames++; return nil }
func (c *okConn) Close()                   {}

func TestServer_SlowConsumerIsKicked(t *testing.T) {
	host := domain.NewMember(&domain.Device{ID: hostID, Name: "Host"}, domain.RoleHost, "", time.Now())
	srv := NewServer(*host, Session{ID: testSession, MaxMembers: 4}, nil, Config{})

	slow, fine := &stuckConn{}, &okConn{}
	now := time.Now()
	srv.roster.Add(core.NewMemberSession(domain.NewMember(&domain.Device{ID: "slow", Name: "S"}, domain.RoleClient, "", now), slow))
	srv.roster.Add(core.NewMemberSession(domain.NewMember(&domain.Device{ID: "fine", Name: "F"}, domain.RoleClient, "", now), fine))

	srv.broadcast(hostID, srv.builder.SessionClosed("bye"))

	assert.True(t, slow.closed)
	assert.False(t, srv.roster.Has("slow"))
	assert.True(t, srv.roster.Has("fine"))
	assert.Equal(t, 2, fine.frames, "original frame plus MEMBER_LEFT")
}

type dropPolicy struct{}

func (dropPolicy) OnBackPressure(core.RosterService, core.MemberSession) app.BackpressureAction {
	return app.DropFrame
}

func TestServer_DropFramePolicyKeepsMember(t *testing.T) {
	host := domain.NewMember(&domain.Device{ID: hostID, Name: "Host"}, domain.RoleHost, "", time.Now())
	srv := NewServer(*host, Session{ID: testSession, MaxMembers: 4}, nil, Config{}).WithPolicy(dropPolicy{})

	slow, fine := &stuckConn{}, &okConn{}
	now := time.Now()
	srv.roster.Add(core.NewMemberSession(domain.NewMember(&domain.Device{ID: "slow", Name: "S"}, domain.RoleClient, "", now), slow))
	srv.roster.Add(core.NewMemberSession(domain.NewMember(&domain.Device{ID: "fine", Name: "F"}, domain.RoleClient, "", now), fine))

	srv.broadcast(hostID, srv.builder.SessionClosed("bye"))

	assert.False(t, slow.closed)
	assert.True(t, srv.roster.Has("slow"))
	assert.Equal(t, 1, fine.frames, "no MEMBER_LEFT for a dropped frame")
}

func TestServer_SweepUsesLastHeartbeat(t *testing.T) {
	host := domain.NewMember(&domain.Device{ID: hostID, Name: "Host"}, domain.RoleHost, "", time.Now())
	srv := NewServer(*host, Session{ID: testSession, MaxMembers: 4}, nil, Config{HeartbeatTimeout: 15 * time.Second})
	base := time.Unix(1_700_000_000, 0)
	now := base
	srv.nowF = func() time.Time { return now }

	a, b := &okConn{}, &okConn{}
	srv.roster.Add(core.NewMemberSession(domain.NewMember(&domain.Device{ID: "a", Name: "A"}, domain.RoleClient, "", base), a))
	srv.roster.Add(core.NewMemberSession(domain.NewMember(&domain.Device{ID: "b", Name: "B"}, domain.RoleClient, "", base), b))

	now = base.Add(10 * time.Second)
	srv.roster.Touch("a", now)
	assert.Equal(t, 0, srv.SweepHeartbeats())

	now = base.Add(16 * time.Second)
	assert.Equal(t, 1, srv.SweepHeartbeats())
	assert.True(t, srv.roster.Has("a"))
	assert.False(t, srv.roster.Has("b"))
	assert.Equal(t, 2, srv.ConnectedCount())
}

func TestJoinRateLimiter_Window(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.nowF = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))
	now = now.Add(2 * time.Minute)
	rl.Prune()
	assert.Empty(t, rl.history)

	var disabled *JoinRateLimiter
	assert.True(t, disabled.Allow("x"))
}
