package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Party/internal/domain"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *testClock) {
	clk := &testClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	r.nowF = clk.now
	return r, clk
}

func TestRegistry_RegisterNormalizesCode(t *testing.T) {
	r, _ := newTestRegistry()
	s, err := r.RegisterSession("S1", "abc-123", "Party", "host", "Host", 2)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", s.Code)
	assert.Equal(t, s.CreatedAt.Add(DefaultSessionTTL), s.ExpiresAt)
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.RegisterSession("S1", "ABC123", "Party", "host", "Host", 2)
	require.NoError(t, err)

	_, err = r.RegisterSession("S1", "XYZ789", "Other", "host", "Host", 2)
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = r.RegisterSession("S2", "abc123", "Other", "host2", "Host2", 2)
	assert.ErrorIs(t, err, ErrCodeInUse)

	_, err = r.RegisterSession("S3", "AB12", "Short", "h", "H", 2)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = r.RegisterSession("S4", "QWE456", "Zero", "h", "H", 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestRegistry_ValidateSessionCode_FormatRoundTrip(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.RegisterSession("S1", "ABC123", "Party", "host", "Host", 2)
	require.NoError(t, err)

	for _, in := range []string{"ABC123", "abc123", "ABC-123", "a-b-c-1-2-3", domain.FormatCode("abc123"), " abc 123 "} {
		v := r.ValidateSessionCode(in)
		assert.True(t, v.Valid, "input %q: %v", in, v.Reason)
		assert.Equal(t, domain.SessionID("S1"), v.SessionID)
	}

	v := r.ValidateSessionCode("ZZZ-999")
	assert.False(t, v.Valid)
	assert.ErrorIs(t, v.Reason, ErrSessionNotFound)
}

func TestRegistry_ValidateSessionCode_FullAndExpired(t *testing.T) {
	r, clk := newTestRegistry()
	_, err := r.RegisterSession("S1", "ABC123", "Party", "host", "Host", 1)
	require.NoError(t, err)
	require.NoError(t, r.AddMember("S1", "a"))

	v := r.ValidateSessionCode("abc-123")
	assert.False(t, v.Valid)
	assert.ErrorIs(t, v.Reason, ErrSessionFull)

	clk.advance(DefaultSessionTTL)
	v = r.ValidateSessionCode("abc-123")
	assert.False(t, v.Valid)
	assert.ErrorIs(t, v.Reason, ErrSessionExpired)
	assert.Equal(t, 0, r.Count(), "expired session must be evicted by validation")

	v = r.ValidateSessionCode("abc-123")
	assert.ErrorIs(t, v.Reason, ErrSessionNotFound)
}

func TestRegistry_AddMemberCapacity(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.RegisterSession("S1", "ABC123", "Party", "host", "Host", 2)
	require.NoError(t, err)

	require.NoError(t, r.AddMember("S1", "a"))
	require.NoError(t, r.AddMember("S1", "b"))
	require.NoError(t, r.AddMember("S1", "a"), "re-adding a member is a no-op")

	err = r.AddMember("S1", "c")
	assert.ErrorIs(t, err, ErrSessionFull)

	s, ok := r.Get("S1")
	require.True(t, ok)
	assert.Equal(t, []domain.DeviceID{"a", "b"}, s.Members())

	assert.ErrorIs(t, r.AddMember("nope", "a"), ErrSessionNotFound)
}

func TestRegistry_MembersNeverExceedMax(t *testing.T) {
	r, _ := newTestRegistry()
	const max = 4
	_, err := r.RegisterSession("S1", "ABC123", "Party", "host", "Host", max)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		id := domain.DeviceID(fmt.Sprintf("d%d", rng.Intn(10)))
		before, _ := r.Get("S1")
		if rng.Intn(2) == 0 {
			err := r.AddMember("S1", id)
			if errors.Is(err, ErrSessionFull) {
				after, _ := r.Get("S1")
				require.Equal(t, before.Members(), after.Members(), "rejected add mutated state")
			}
		} else {
			require.NoError(t, r.RemoveMember("S1", id))
		}
		s, _ := r.Get("S1")
		require.LessOrEqual(t, s.MemberCount(), max)
	}
}

func TestRegistry_RemoveHostRemovesSession(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.RegisterSession("S1", "ABC123", "Party", "host", "Host", 2)
	require.NoError(t, err)
	require.NoError(t, r.AddMember("S1", "a"))

	require.NoError(t, r.RemoveMember("S1", "host"))
	assert.False(t, r.IsActive("S1"))
	assert.False(t, r.ValidateSessionCode("ABC123").Valid)

	// the code is free again
	_, err = r.RegisterSession("S2", "ABC123", "Again", "host", "Host", 2)
	assert.NoError(t, err)
}

func TestRegistry_SweepPurgesExpired(t *testing.T) {
	r, clk := newTestRegistry()
	r.WithTTL(time.Hour)
	_, err := r.RegisterSession("S1", "ABC123", "Old", "h1", "H1", 2)
	require.NoError(t, err)
	clk.advance(30 * time.Minute)
	_, err = r.RegisterSession("S2", "DEF456", "New", "h2", "H2", 2)
	require.NoError(t, err)

	clk.advance(45 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.False(t, r.IsActive("S1"))
	assert.True(t, r.IsActive("S2"))
	assert.Len(t, r.List(), 1)
}

func TestRegistry_ExpiredCodeCanBeReclaimed(t *testing.T) {
	r, clk := newTestRegistry()
	r.WithTTL(time.Minute)
	_, err := r.RegisterSession("S1", "ABC123", "Old", "h1", "H1", 2)
	require.NoError(t, err)
	clk.advance(2 * time.Minute)

	_, err = r.RegisterSession("S2", "ABC123", "New", "h2", "H2", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("S2"), r.ValidateSessionCode("ABC123").SessionID)
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistry_AdvertisementsSkipFullSessions(t *testing.T) {
	r, clk := newTestRegistry()
	_, err := r.RegisterSession("S1", "ABC234", "Open", "host-1", "Ann", 1)
	require.NoError(t, err)
	_, err = r.RegisterSession("S2", "XYZ789", "Busy", "host-2", "Bob", 1)
	require.NoError(t, err)
	require.NoError(t, r.AddMember("S2", "dev-a"))
	require.NoError(t, r.SetEndpoint("S1", "192.168.1.10", 8787))

	advs := r.Advertisements()
	require.Len(t, advs, 1)
	adv := advs[0]
	assert.Equal(t, domain.SessionID("S1"), adv.SessionID)
	assert.Equal(t, 1, adv.MemberCount, "host counts as a member")
	assert.Equal(t, clk.now().UnixMilli(), adv.Timestamp)
	ep, ok := adv.Endpoint()
	require.True(t, ok)
	assert.Equal(t, "192.168.1.10:8787", ep)

	assert.ErrorIs(t, r.SetEndpoint("nope", "10.0.0.1", 1), ErrSessionNotFound)
}
