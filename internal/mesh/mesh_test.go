package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

func newTestMesh(t *testing.T, ratePer10s int) (*Mesh, *cryptoutil.Signer) {
	t.Helper()
	signer, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	return New("coord-local", signer, ratePer10s), signer
}

// newPeer creates a remote identity plus its signing key and adds it to
// the mesh.
func newPeer(t *testing.T, m *Mesh, peerID string) *cryptoutil.Signer {
	t.Helper()
	signer, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	m.AddPeer(PeerIdentity{PeerID: peerID, PublicKey: signer.PublicKeyHex(), URL: "http://" + peerID})
	return signer
}

func signedEnvelope(t *testing.T, signer *cryptoutil.Signer, fromPeerID, msgType string) Envelope {
	t.Helper()
	env, err := NewEnvelope(signer, fromPeerID, msgType, map[string]any{"queued": 3}, 0)
	require.NoError(t, err)
	return env
}

func TestIngest_ValidationOrder(t *testing.T) {
	m, _ := newTestMesh(t, 0)
	remote := newPeer(t, m, "coord-b")

	// Unknown sender fails before any signature work.
	stranger, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	env := signedEnvelope(t, stranger, "coord-zzz", MsgQueueSummary)
	assert.ErrorIs(t, m.Ingest(env), ErrPeerUnknown)

	// Known sender, wrong key.
	env = signedEnvelope(t, stranger, "coord-b", MsgQueueSummary)
	assert.ErrorIs(t, m.Ingest(env), ErrBadSignature)

	// Tampered payload after signing.
	env = signedEnvelope(t, remote, "coord-b", MsgQueueSummary)
	env.Payload = json.RawMessage(`{"queued":999}`)
	assert.ErrorIs(t, m.Ingest(env), ErrBadSignature)

	// Expired envelope with a valid signature.
	env = signedEnvelope(t, remote, "coord-b", MsgQueueSummary)
	m.SetClock(func() int64 { return env.IssuedAtMs + env.TTLMs + 1 })
	assert.ErrorIs(t, m.Ingest(env), ErrMessageExpired)

	m.SetClock(func() int64 { return env.IssuedAtMs + 1 })
	assert.NoError(t, m.Ingest(env))
}

func TestIngest_DuplicateWindow(t *testing.T) {
	m, _ := newTestMesh(t, 0)
	remote := newPeer(t, m, "coord-b")

	env := signedEnvelope(t, remote, "coord-b", MsgQueueSummary)
	require.NoError(t, m.Ingest(env))
	repAfterFirst := m.Reputation("coord-b")

	// Same message id inside the window: rejected, reputation untouched.
	err := m.Ingest(env)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Equal(t, repAfterFirst, m.Reputation("coord-b"))
}

func TestIngest_RateLimit(t *testing.T) {
	m, _ := newTestMesh(t, 3)
	remote := newPeer(t, m, "coord-b")
	m.SetClock(func() int64 { return 1_000_000 })

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Ingest(signedEnvelope(t, remote, "coord-b", MsgQueueSummary)))
	}
	repBefore := m.Reputation("coord-b")

	err := m.Ingest(signedEnvelope(t, remote, "coord-b", MsgQueueSummary))
	assert.ErrorIs(t, err, ErrPeerRateLimited)
	assert.Equal(t, repBefore-10, m.Reputation("coord-b"))

	// Next 10 s epoch resets the counter.
	m.SetClock(func() int64 { return 1_000_000 + rateWindowMs })
	assert.NoError(t, m.Ingest(signedEnvelope(t, remote, "coord-b", MsgQueueSummary)))
}

func TestIngest_ReputationDeltas(t *testing.T) {
	m, _ := newTestMesh(t, 0)
	remote := newPeer(t, m, "coord-b")

	assert.Equal(t, ReputationStart, m.Reputation("coord-b"))

	require.NoError(t, m.Ingest(signedEnvelope(t, remote, "coord-b", MsgQueueSummary)))
	assert.Equal(t, ReputationStart+1, m.Reputation("coord-b"))

	stranger, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	require.ErrorIs(t, m.Ingest(signedEnvelope(t, stranger, "coord-b", MsgQueueSummary)), ErrBadSignature)
	assert.Equal(t, ReputationStart+1-5, m.Reputation("coord-b"))
}

func TestReputation_Clamped(t *testing.T) {
	m, _ := newTestMesh(t, 0)
	newPeer(t, m, "coord-b")

	m.mu.Lock()
	m.adjustReputationLocked("coord-b", -10_000)
	m.mu.Unlock()
	assert.Equal(t, ReputationMin, m.Reputation("coord-b"))

	m.mu.Lock()
	m.adjustReputationLocked("coord-b", 10_000)
	m.mu.Unlock()
	assert.Equal(t, ReputationMax, m.Reputation("coord-b"))
}

func TestIngest_Dispatch(t *testing.T) {
	m, _ := newTestMesh(t, 0)
	remote := newPeer(t, m, "coord-b")

	var got Envelope
	m.RegisterHandler(MsgQueueSummary, func(env Envelope) error {
		got = env
		return nil
	})

	env := signedEnvelope(t, remote, "coord-b", MsgQueueSummary)
	require.NoError(t, m.Ingest(env))
	assert.Equal(t, env.ID, got.ID)

	// Unhandled types are admitted and dropped.
	assert.NoError(t, m.Ingest(signedEnvelope(t, remote, "coord-b", MsgTaskOffer)))
}

func TestAddPeer_SelfAndUpsert(t *testing.T) {
	m, _ := newTestMesh(t, 0)

	m.AddPeer(PeerIdentity{PeerID: "coord-local", PublicKey: "x"})
	assert.Equal(t, 0, m.PeerCount())

	m.AddPeer(PeerIdentity{PeerID: "coord-b", PublicKey: "k1", URL: "http://one"})
	m.AddPeer(PeerIdentity{PeerID: "coord-b", PublicKey: "k2", URL: "http://two"})
	require.Equal(t, 1, m.PeerCount())
	assert.Equal(t, "k2", m.ListPeers()[0].PublicKey)
}

func TestDedupWindow_Eviction(t *testing.T) {
	w := NewDedupWindow(2)
	w.Remember("a")
	w.Remember("b")
	w.Remember("c")
	assert.Equal(t, 2, w.Len())
	assert.False(t, w.Seen("a"), "oldest id evicted first")
	assert.True(t, w.Seen("b"))
	assert.True(t, w.Seen("c"))
}

func TestBootstrap_RoundDiscoversAndCaches(t *testing.T) {
	m, _ := newTestMesh(t, 0)

	remoteSigner, err := cryptoutil.NewSigner()
	require.NoError(t, err)

	var registered PeerIdentity
	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/identity":
			json.NewEncoder(w).Encode(PeerIdentity{
				PeerID:    "coord-remote",
				PublicKey: remoteSigner.PublicKeyHex(),
			})
		case "/mesh/register-peer":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer peerSrv.Close()

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"peers": []map[string]string{{"url": peerSrv.URL}},
		})
	}))
	defer registrySrv.Close()

	cachePath := filepath.Join(t.TempDir(), "peers.json")
	b := NewBootstrapper(m, "http://self:8080", registrySrv.URL, cachePath, nil)

	reached := b.Round(context.Background())
	assert.Equal(t, 1, reached)
	assert.Equal(t, 1, m.PeerCount())
	assert.Equal(t, "coord-local", registered.PeerID)

	// The peer learned via /identity keeps the URL we dialed.
	assert.Equal(t, peerSrv.URL, m.ListPeers()[0].URL)

	// The cache was rewritten; a fresh bootstrapper with no registry and
	// no static URLs still finds the peer through it.
	m2, _ := newTestMesh(t, 0)
	b2 := NewBootstrapper(m2, "http://self:8080", "", cachePath, nil)
	assert.Equal(t, 1, b2.Round(context.Background()))
	assert.Equal(t, 1, m2.PeerCount())
}

func TestBootstrap_StaticFallback(t *testing.T) {
	m, _ := newTestMesh(t, 0)
	remoteSigner, err := cryptoutil.NewSigner()
	require.NoError(t, err)

	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/identity":
			json.NewEncoder(w).Encode(PeerIdentity{
				PeerID:    "coord-remote",
				PublicKey: remoteSigner.PublicKeyHex(),
			})
		case "/mesh/register-peer":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer peerSrv.Close()

	b := NewBootstrapper(m, "http://self:8080", "", "", []string{peerSrv.URL, "", peerSrv.URL})
	assert.Equal(t, 1, b.Round(context.Background()), "duplicate candidates collapse")
	assert.Equal(t, 1, m.PeerCount())
}
