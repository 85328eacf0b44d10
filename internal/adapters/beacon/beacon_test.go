package beacon

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Party/internal/discovery"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func loopbackConfig(t *testing.T) Config {
	return Config{
		DiscoveryPort: freeUDPPort(t),
		ResponsePort:  freeUDPPort(t),
		Interval:      30 * time.Millisecond,
		Targets:       []string{"127.0.0.1"},
	}
}

func testAdv() domain.SessionAdvertisement {
	return domain.SessionAdvertisement{
		SessionID:       "S-beacon",
		SessionName:     "Friday",
		HostID:          "host-1",
		HostName:        "Ann",
		HostAddress:     "10.9.8.7",
		Port:            8787,
		MemberCount:     1,
		MaxMembers:      8,
		ProtocolVersion: protocol.ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func TestProbe_FindsResponder(t *testing.T) {
	cfg := loopbackConfig(t)
	r := NewResponder(cfg)
	require.NoError(t, r.Start(context.Background(), testAdv()))
	defer r.Stop()

	p := NewProbe(cfg)
	found := make(chan discovery.DiscoveredSession, 32)
	require.NoError(t, p.StartScan(context.Background(), func(ds discovery.DiscoveredSession) { found <- ds }, nil, discovery.ScanOptions{}))
	defer p.StopScan()

	select {
	case ds := <-found:
		assert.Equal(t, domain.SessionID("S-beacon"), ds.Advertisement.SessionID)
		assert.Equal(t, discovery.MethodFallback, ds.Method)
		assert.Equal(t, discovery.FallbackSignal, ds.SignalStrength)
		assert.Equal(t, "10.9.8.7", ds.IPAddress)
		assert.Equal(t, 8787, ds.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("responder never found")
	}
	assert.Len(t, p.DiscoveredSessions(), 1)
}

func TestProbe_IgnoresOwnAdvertisement(t *testing.T) {
	cfg := loopbackConfig(t)
	r := NewResponder(cfg)
	require.NoError(t, r.Start(context.Background(), testAdv()))
	defer r.Stop()

	p := NewProbe(cfg)
	found := make(chan discovery.DiscoveredSession, 32)
	require.NoError(t, p.StartScan(context.Background(), func(ds discovery.DiscoveredSession) { found <- ds },
		nil, discovery.ScanOptions{LocalAddress: "10.9.8.7"}))
	defer p.StopScan()

	select {
	case ds := <-found:
		t.Fatalf("own session reported: %+v", ds)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestResponder_UpdateChangesAnswers(t *testing.T) {
	cfg := loopbackConfig(t)
	r := NewResponder(cfg)
	require.NoError(t, r.Start(context.Background(), testAdv()))
	defer r.Stop()

	updated := testAdv().WithMembers(3, time.Now())
	require.NoError(t, r.Update(updated))

	p := NewProbe(cfg)
	found := make(chan discovery.DiscoveredSession, 64)
	require.NoError(t, p.StartScan(context.Background(), func(ds discovery.DiscoveredSession) { found <- ds }, nil, discovery.ScanOptions{}))
	defer p.StopScan()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ds := <-found:
			if ds.Advertisement.MemberCount == 3 {
				return
			}
		case <-deadline:
			t.Fatal("updated advertisement never seen")
		}
	}
}

func TestProbe_StartStopLifecycle(t *testing.T) {
	p := NewProbe(loopbackConfig(t))
	p.StopScan()
	assert.False(t, p.IsActive())

	require.NoError(t, p.StartScan(context.Background(), nil, nil, discovery.ScanOptions{}))
	assert.True(t, p.IsActive())
	assert.ErrorIs(t, p.StartScan(context.Background(), nil, nil, discovery.ScanOptions{}), discovery.ErrAlreadyScanning)

	p.StopScan()
	p.StopScan()
	assert.False(t, p.IsActive())
}

func TestProbe_TimeoutStopsScan(t *testing.T) {
	p := NewProbe(loopbackConfig(t))
	require.NoError(t, p.StartScan(context.Background(), nil, nil, discovery.ScanOptions{Timeout: 50 * time.Millisecond}))
	require.Eventually(t, func() bool { return !p.IsActive() }, time.Second, 10*time.Millisecond)

	require.NoError(t, p.StartScan(context.Background(), nil, nil, discovery.ScanOptions{}))
	p.StopScan()
}

func TestProbe_BindFailureIsTransportUnavailable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exclusive bind semantics differ")
	}
	holder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	require.NoError(t, err)
	defer holder.Close()

	cfg := loopbackConfig(t)
	cfg.ResponsePort = holder.LocalAddr().(*net.UDPAddr).Port
	p := NewProbe(cfg)
	err = p.StartScan(context.Background(), nil, nil, discovery.ScanOptions{})
	require.ErrorIs(t, err, discovery.ErrTransportUnavailable)
	assert.False(t, p.IsActive())
}

func TestResponder_StopIsIdempotent(t *testing.T) {
	r := NewResponder(loopbackConfig(t))
	r.Stop()
	require.NoError(t, r.Start(context.Background(), testAdv()))
	assert.ErrorIs(t, r.Start(context.Background(), testAdv()), ErrResponderRunning)
	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
}
