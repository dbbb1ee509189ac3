package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

var logger = log.New(os.Stdout, "[MESH] ", log.LstdFlags)

// DefaultRateLimitPer10s bounds how many messages one peer may deliver
// inside a single 10 s window.
const DefaultRateLimitPer10s = 50

const rateWindowMs = 10_000

// PeerIdentity is what GET /identity returns and what register-peer
// carries.
type PeerIdentity struct {
	PeerID      string `json:"peer_id"`
	PublicKey   string `json:"public_key"`
	URL         string `json:"url"`
	NetworkMode string `json:"network_mode,omitempty"`
}

// Peer is one known coordinator. The mesh owns the peer table; other
// components refer to peers by id only.
type Peer struct {
	PeerIdentity
	AddedAtMs  int64 `json:"added_at_ms"`
	LastSeenMs int64 `json:"last_seen_ms,omitempty"`
}

// Handler consumes an admitted envelope of one message type.
type Handler func(env Envelope) error

type rateWindow struct {
	epoch int64
	count int
}

// Mesh is the gossip fabric: peer table, signed broadcast, validated
// ingest with per-peer rate limiting and reputation scoring.
type Mesh struct {
	mu         sync.Mutex
	peers      map[string]*Peer
	reputation map[string]int
	rates      map[string]*rateWindow
	dedup      *DedupWindow
	handlers   map[string]Handler

	selfID     string
	signer     *cryptoutil.Signer
	ratePer10s int
	client     *http.Client
	now        func() int64
}

// New creates a mesh for this coordinator. ratePer10s <= 0 selects the
// default.
func New(selfID string, signer *cryptoutil.Signer, ratePer10s int) *Mesh {
	if ratePer10s <= 0 {
		ratePer10s = DefaultRateLimitPer10s
	}
	return &Mesh{
		peers:      make(map[string]*Peer),
		reputation: make(map[string]int),
		rates:      make(map[string]*rateWindow),
		dedup:      NewDedupWindow(4096),
		handlers:   make(map[string]Handler),
		selfID:     selfID,
		signer:     signer,
		ratePer10s: ratePer10s,
		client:     &http.Client{Timeout: 5 * time.Second},
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the mesh clock. Test hook.
func (m *Mesh) SetClock(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SelfID returns this coordinator's peer id.
func (m *Mesh) SelfID() string {
	return m.selfID
}

// Identity returns this coordinator's own identity record.
func (m *Mesh) Identity(selfURL string) PeerIdentity {
	return PeerIdentity{
		PeerID:      m.selfID,
		PublicKey:   m.signer.PublicKeyHex(),
		URL:         selfURL,
		NetworkMode: "public",
	}
}

// RegisterHandler binds a message type to its consumer. Later
// registrations replace earlier ones.
func (m *Mesh) RegisterHandler(msgType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = h
}

// AddPeer upserts a peer by id. Adding ourselves is a no-op.
func (m *Mesh) AddPeer(identity PeerIdentity) {
	if identity.PeerID == "" || identity.PeerID == m.selfID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[identity.PeerID]; ok {
		existing.PeerIdentity = identity
		return
	}
	m.peers[identity.PeerID] = &Peer{
		PeerIdentity: identity,
		AddedAtMs:    m.now(),
	}
}

// ListPeers returns copies of every known peer.
func (m *Mesh) ListPeers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// PeerCount returns the number of known peers.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Ingest validates and dispatches one inbound envelope. The checks run
// in a fixed order: peer lookup, signature, expiry, dedup, rate limit.
// Rate violations cost 10 reputation, bad signatures 5; an admitted
// message earns 1.
func (m *Mesh) Ingest(env Envelope) error {
	m.mu.Lock()

	peer, ok := m.peers[env.FromPeerID]
	if !ok {
		m.mu.Unlock()
		return ErrPeerUnknown
	}

	valid, err := cryptoutil.Verify(peer.PublicKey, env.signingBytes(), env.Signature)
	if err != nil || !valid {
		m.adjustReputationLocked(env.FromPeerID, deltaBadSignature)
		m.mu.Unlock()
		return ErrBadSignature
	}

	now := m.now()
	if now > env.IssuedAtMs+env.TTLMs {
		m.mu.Unlock()
		return ErrMessageExpired
	}

	if m.dedup.Seen(env.ID) {
		m.mu.Unlock()
		return ErrDuplicateMessage
	}
	m.dedup.Remember(env.ID)

	window, ok := m.rates[env.FromPeerID]
	epoch := now / rateWindowMs
	if !ok || window.epoch != epoch {
		window = &rateWindow{epoch: epoch}
		m.rates[env.FromPeerID] = window
	}
	window.count++
	if window.count > m.ratePer10s {
		m.adjustReputationLocked(env.FromPeerID, deltaRateViolation)
		m.mu.Unlock()
		return ErrPeerRateLimited
	}

	m.adjustReputationLocked(env.FromPeerID, deltaIngestOK)
	peer.LastSeenMs = now
	handler := m.handlers[env.Type]
	m.mu.Unlock()

	if handler == nil {
		logger.Printf("no handler for gossip type %s from %s, dropping", env.Type, env.FromPeerID)
		return nil
	}
	if err := handler(env); err != nil {
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}

// Broadcast signs a payload and delivers it to every known peer.
// Delivery is fire-and-forget: each peer gets its own goroutine with a
// 5 s budget, and failures decay that peer's reputation without
// blocking the caller.
func (m *Mesh) Broadcast(msgType string, payload any) error {
	env, err := NewEnvelope(m.signer, m.selfID, msgType, payload, 0)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	for _, peer := range m.ListPeers() {
		if peer.URL == "" {
			continue
		}
		go m.deliver(peer.PeerID, peer.URL, msgType, body)
	}
	return nil
}

func (m *Mesh) deliver(peerID, peerURL, msgType string, body []byte) {
	resp, err := m.client.Post(peerURL+"/mesh/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Printf("deliver %s to %s failed: %v", msgType, peerID, err)
		m.mu.Lock()
		m.adjustReputationLocked(peerID, deltaDeliveryFailure)
		m.mu.Unlock()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Printf("deliver %s to %s: status %d", msgType, peerID, resp.StatusCode)
		m.mu.Lock()
		m.adjustReputationLocked(peerID, deltaDeliveryFailure)
		m.mu.Unlock()
	}
}
