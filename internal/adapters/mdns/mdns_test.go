package mdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

func sampleAdv() domain.SessionAdvertisement {
	return domain.SessionAdvertisement{
		SessionID:           "3f2a9c41-7b7e-4c1e-9f3a-1c2d3e4f5a6b",
		SessionName:         "Board game night",
		HostID:              "host-device",
		HostName:            "Ann",
		HostAddress:         "192.168.1.23",
		Port:                8787,
		MemberCount:         3,
		MaxMembers:          8,
		IsPasswordProtected: true,
		ProtocolVersion:     protocol.ProtocolVersion,
		Timestamp:           1760870000000,
	}
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "party-3f2a9c41", InstanceName("3f2a9c41-7b7e-4c1e-9f3a-1c2d3e4f5a6b"))
	assert.Equal(t, "party-abc", InstanceName("abc"))
}

func TestResponse_CarriesAdvertisement(t *testing.T) {
	adv := sampleAdv()
	msg, err := buildResponse(DefaultService, adv, DefaultTTL)
	require.NoError(t, err)

	anns, err := parseResponse(DefaultService, msg)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.False(t, anns[0].goodbye)
	assert.Equal(t, adv, anns[0].adv)
}

func TestResponse_ZeroTTLIsGoodbye(t *testing.T) {
	msg, err := buildResponse(DefaultService, sampleAdv(), 0)
	require.NoError(t, err)

	anns, err := parseResponse(DefaultService, msg)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.True(t, anns[0].goodbye)
	assert.Equal(t, sampleAdv().SessionID, anns[0].adv.SessionID)
}

func TestResponse_WithoutIPv4HasNoAddress(t *testing.T) {
	adv := sampleAdv()
	adv.HostAddress = ""
	msg, err := buildResponse(DefaultService, adv, DefaultTTL)
	require.NoError(t, err)

	anns, err := parseResponse(DefaultService, msg)
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Empty(t, anns[0].adv.HostAddress)
	assert.Equal(t, 8787, anns[0].adv.Port)
}

func TestParseResponse_OtherServiceIgnored(t *testing.T) {
	msg, err := buildResponse("_other._tcp.local.", sampleAdv(), DefaultTTL)
	require.NoError(t, err)
	anns, err := parseResponse(DefaultService, msg)
	require.NoError(t, err)
	assert.Empty(t, anns)
}

func TestParseResponse_QueryIsNotAnAnswer(t *testing.T) {
	q, err := buildQuery(DefaultService)
	require.NoError(t, err)
	anns, err := parseResponse(DefaultService, q)
	require.NoError(t, err)
	assert.Empty(t, anns)

	_, err = parseResponse(DefaultService, []byte{0x01})
	assert.Error(t, err)
}

func TestIsQueryFor(t *testing.T) {
	q, err := buildQuery(DefaultService)
	require.NoError(t, err)
	assert.True(t, isQueryFor(DefaultService, q))
	assert.True(t, isQueryFor("_PARTYSYNC._tcp.local.", q), "names compare case-insensitively")
	assert.False(t, isQueryFor("_other._tcp.local.", q))

	resp, err := buildResponse(DefaultService, sampleAdv(), DefaultTTL)
	require.NoError(t, err)
	assert.False(t, isQueryFor(DefaultService, resp))
}

func TestAdvFromTXT(t *testing.T) {
	_, err := advFromTXT([]string{"name=x"})
	assert.Error(t, err)

	_, err = advFromTXT([]string{"id=S1", "members=lots"})
	assert.Error(t, err)

	adv, err := advFromTXT([]string{"id=S1", "name=a=b", "junk", "pw=0"})
	require.NoError(t, err)
	assert.Equal(t, "a=b", adv.SessionName)
	assert.False(t, adv.IsPasswordProtected)
}

func TestProbe_StopWhenIdle(t *testing.T) {
	p := NewProbe(Config{})
	p.StopScan()
	p.StopScan()
	assert.False(t, p.IsActive())
	assert.Equal(t, discovery.MethodPrimary, p.Method())

	a := NewAnnouncer(Config{})
	a.Stop()
	assert.False(t, a.Running())
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// Needs a multicast capable interface; sandboxes often have none.
func TestAnnouncerAndProbe_OverMulticast(t *testing.T) {
	cfg := Config{Port: freeUDPPort(t), Interval: 50 * time.Millisecond}
	a := NewAnnouncer(cfg)
	if err := a.Start(context.Background(), sampleAdv()); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}

	p := NewProbe(cfg)
	found := make(chan discovery.DiscoveredSession, 64)
	lost := make(chan domain.SessionID, 4)
	require.NoError(t, p.StartScan(context.Background(),
		func(ds discovery.DiscoveredSession) { found <- ds },
		func(id domain.SessionID) { lost <- id },
		discovery.ScanOptions{}))
	defer p.StopScan()

	select {
	case ds := <-found:
		assert.Equal(t, sampleAdv().SessionID, ds.Advertisement.SessionID)
		assert.Equal(t, discovery.PrimarySignal, ds.SignalStrength)
	case <-time.After(2 * time.Second):
		a.Stop()
		t.Skip("no multicast loopback delivery on this host")
	}

	a.Stop()
	select {
	case id := <-lost:
		assert.Equal(t, sampleAdv().SessionID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("goodbye not reported")
	}
}
