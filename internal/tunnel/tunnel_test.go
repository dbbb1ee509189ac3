package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(cfg Config) (*Manager, *int64) {
	m := NewManager(cfg)
	now := int64(1_000_000)
	m.SetClock(func() int64 { return now })
	return m, &now
}

func openAccepted(t *testing.T, m *Manager, initiator, target string) Tunnel {
	t.Helper()
	tun := m.Open(initiator, target)
	require.NoError(t, m.Accept(tun.TunnelID, target))
	return tun
}

func TestRelay_TenSecondWindow(t *testing.T) {
	m, now := newTestManager(Config{MaxRelaysPer10s: 3, MaxRelaysPerMin: 100})
	tun := openAccepted(t, m, "agent-a", "agent-b")

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"))
	}
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"), ErrRelayRateLimited)

	// Next 10 s epoch resets the short window.
	*now += tenSecWindowMs
	assert.NoError(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"))
}

func TestRelay_MinuteCap(t *testing.T) {
	m, now := newTestManager(Config{MaxRelaysPer10s: 100, MaxRelaysPerMin: 5})
	tun := openAccepted(t, m, "agent-a", "agent-b")

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"))
	}
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"), ErrRelayCapReached)

	// A fresh 10 s window does not clear the per-minute cap.
	*now += tenSecWindowMs
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"), ErrRelayCapReached)

	*now += minuteWindowMs
	assert.NoError(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"))
}

func TestRelay_UnknownTunnel(t *testing.T) {
	m, _ := newTestManager(Config{})
	assert.ErrorIs(t, m.Relay("nope", "agent-a", "agent-b"), ErrTunnelNotFound)
}

func TestRelay_MembershipAndAcceptance(t *testing.T) {
	m, _ := newTestManager(Config{})
	tun := m.Open("agent-a", "agent-b")

	// No frames before the target accepts, in either direction.
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"), ErrTunnelNotFound)
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-b", "agent-a"), ErrTunnelNotFound)

	require.NoError(t, m.Accept(tun.TunnelID, "agent-b"))
	require.NoError(t, m.Relay(tun.TunnelID, "agent-a", "agent-b"))
	require.NoError(t, m.Relay(tun.TunnelID, "agent-b", "agent-a"))

	// An outsider who learned the tunnel id cannot inject or siphon
	// frames, and a member cannot redirect frames off-tunnel.
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-z", "agent-b"), ErrTunnelNotFound)
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-z", "agent-a"), ErrTunnelNotFound)
	assert.ErrorIs(t, m.Relay(tun.TunnelID, "agent-a", "agent-z"), ErrTunnelNotFound)

	tunCopy, ok := m.Get(tun.TunnelID)
	require.True(t, ok)
	assert.Equal(t, int64(2), tunCopy.RelayCount, "rejected frames are not accounted")
}

func TestGC_DropsIdleTunnels(t *testing.T) {
	m, now := newTestManager(Config{IdleTTLMs: 10_000})
	stale := m.Open("agent-a", "agent-b")
	fresh := openAccepted(t, m, "agent-c", "agent-d")

	*now += 9_000
	require.NoError(t, m.Relay(fresh.TunnelID, "agent-c", "agent-d"))

	*now += 2_000
	assert.Equal(t, 1, m.GC())
	_, ok := m.Get(stale.TunnelID)
	assert.False(t, ok)
	_, ok = m.Get(fresh.TunnelID)
	assert.True(t, ok)
}

func TestAcceptAndInvites(t *testing.T) {
	m, _ := newTestManager(Config{})
	tun := m.Open("agent-a", "agent-b")

	require.Len(t, m.InvitesFor("agent-b"), 1)
	assert.Empty(t, m.InvitesFor("agent-a"))

	// Only the target can accept.
	assert.ErrorIs(t, m.Accept(tun.TunnelID, "agent-a"), ErrTunnelNotFound)
	require.NoError(t, m.Accept(tun.TunnelID, "agent-b"))
	assert.Empty(t, m.InvitesFor("agent-b"))
}

func TestOffers_Lifecycle(t *testing.T) {
	m, now := newTestManager(Config{})

	offer, err := m.CreateOffer("agent-a", "agent-b", "summarize logs", 3)
	require.NoError(t, err)
	assert.Equal(t, OfferOpen, offer.Status)
	require.Len(t, m.OffersFor("agent-b"), 1)

	// Wrong responder.
	_, err = m.RespondOffer(offer.OfferID, "agent-c", true)
	assert.ErrorIs(t, err, ErrOfferNotAvailable)

	accepted, err := m.RespondOffer(offer.OfferID, "agent-b", true)
	require.NoError(t, err)
	assert.Equal(t, OfferAccepted, accepted.Status)

	// Already responded.
	_, err = m.RespondOffer(offer.OfferID, "agent-b", false)
	assert.ErrorIs(t, err, ErrOfferNotAvailable)

	// Expired offers cannot be accepted.
	second, err := m.CreateOffer("agent-a", "agent-b", "more work", 1)
	require.NoError(t, err)
	*now += DefaultOfferTTLMs + 1
	_, err = m.RespondOffer(second.OfferID, "agent-b", true)
	assert.ErrorIs(t, err, ErrOfferNotAvailable)
	assert.Empty(t, m.OffersFor("agent-b"))
}

func TestOffers_RateLimited(t *testing.T) {
	m, now := newTestManager(Config{OffersPer10s: 2})

	_, err := m.CreateOffer("agent-a", "agent-b", "w1", 1)
	require.NoError(t, err)
	_, err = m.CreateOffer("agent-a", "agent-c", "w2", 1)
	require.NoError(t, err)
	_, err = m.CreateOffer("agent-a", "agent-d", "w3", 1)
	assert.ErrorIs(t, err, ErrOfferRateLimited)

	// Another agent has its own window.
	_, err = m.CreateOffer("agent-z", "agent-b", "w4", 1)
	assert.NoError(t, err)

	*now += tenSecWindowMs
	_, err = m.CreateOffer("agent-a", "agent-d", "w3", 1)
	assert.NoError(t, err)
}

func TestDeclineOffer(t *testing.T) {
	m, _ := newTestManager(Config{})
	offer, err := m.CreateOffer("agent-a", "agent-b", "w", 1)
	require.NoError(t, err)

	declined, err := m.RespondOffer(offer.OfferID, "agent-b", false)
	require.NoError(t, err)
	assert.Equal(t, OfferDeclined, declined.Status)
	assert.Empty(t, m.OffersFor("agent-b"))
}
