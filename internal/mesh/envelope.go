// Package mesh implements the inter-coordinator gossip layer: signed,
// rate-limited, replay-protected message envelopes, the known-peer
// registry with reputation scoring, and bootstrap peer discovery.
package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

// Gossip message types.
const (
	MsgPeerAnnounce       = "peer_announce"
	MsgQueueSummary       = "queue_summary"
	MsgTaskOffer          = "task_offer"
	MsgTaskClaim          = "task_claim"
	MsgResultAnnounce     = "result_announce"
	MsgOrderingSnapshot   = "ordering_snapshot"
	MsgBlacklistUpdate    = "blacklist_update"
	MsgIssuanceProposal   = "issuance_proposal"
	MsgIssuanceVote       = "issuance_vote"
	MsgIssuanceCommit     = "issuance_commit"
	MsgIssuanceCheckpoint = "issuance_checkpoint"
)

// Validation failures, in the order the checks run.
var (
	ErrPeerUnknown      = errors.New("peer_unknown")
	ErrBadSignature     = errors.New("bad_signature")
	ErrMessageExpired   = errors.New("message_expired")
	ErrDuplicateMessage = errors.New("duplicate_message")
	ErrPeerRateLimited  = errors.New("peer_rate_limited")
)

// DefaultTTLMs is the envelope time-to-live when the sender does not
// set one.
const DefaultTTLMs = 30_000

// Envelope is the signed wire format of every gossip message. The
// signature covers the canonical serialisation of all other fields.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	FromPeerID string          `json:"from_peer_id"`
	IssuedAtMs int64           `json:"issued_at_ms"`
	TTLMs      int64           `json:"ttl_ms"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"`
}

func (e Envelope) signingBytes() []byte {
	e.Signature = ""
	b, _ := json.Marshal(e)
	return b
}

// NewEnvelope builds and signs an envelope from this coordinator.
func NewEnvelope(signer *cryptoutil.Signer, fromPeerID, msgType string, payload any, ttlMs int64) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	if ttlMs <= 0 {
		ttlMs = DefaultTTLMs
	}
	env := Envelope{
		ID:         uuid.New().String(),
		Type:       msgType,
		FromPeerID: fromPeerID,
		IssuedAtMs: time.Now().UnixMilli(),
		TTLMs:      ttlMs,
		Payload:    raw,
	}
	env.Signature = signer.Sign(env.signingBytes())
	return env, nil
}

// DedupWindow remembers the last N message ids with insertion-order
// eviction. Not goroutine-safe; the mesh serialises access.
type DedupWindow struct {
	max   int
	seen  map[string]bool
	order []string
}

// NewDedupWindow creates a window holding up to max ids.
func NewDedupWindow(max int) *DedupWindow {
	if max <= 0 {
		max = 4096
	}
	return &DedupWindow{
		max:  max,
		seen: make(map[string]bool, max),
	}
}

// Seen reports whether id is in the window.
func (w *DedupWindow) Seen(id string) bool {
	return w.seen[id]
}

// Remember inserts id, evicting the oldest entry when full.
func (w *DedupWindow) Remember(id string) {
	if w.seen[id] {
		return
	}
	if len(w.order) >= w.max {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.seen[id] = true
	w.order = append(w.order, id)
}

// Len returns the number of remembered ids.
func (w *DedupWindow) Len() int {
	return len(w.order)
}
