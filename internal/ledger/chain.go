// Package ledger implements the coordinator's append-only ordering
// chain: a hash-linked sequence of signed records covering queue events
// and economic accruals. The in-memory chain is the source of truth;
// the persistent store mirrors it for cross-restart recovery.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

// GenesisHash is the prev-hash literal of the first record in a chain.
const GenesisHash = "GENESIS"

// Event types recorded on the ordering chain.
const (
	EventNodeApproval    = "node_approval"
	EventNodeValidation  = "node_validation"
	EventTaskEnqueue     = "task_enqueue"
	EventTaskClaim       = "task_claim"
	EventTaskComplete    = "task_complete"
	EventEarningsAccrual = "earnings_accrual"
	EventCheckpointSig   = "stats_checkpoint_signature"
	EventCheckpointCmt   = "stats_checkpoint_commit"
)

// Record is one entry on the ordering chain. Hash covers every field
// except the signature; the signature covers the hash.
type Record struct {
	ID               string `json:"id"`
	EventType        string `json:"event_type"`
	TaskID           string `json:"task_id"`
	SubtaskID        string `json:"subtask_id,omitempty"`
	ActorID          string `json:"actor_id"`
	Sequence         int64  `json:"sequence"`
	IssuedAtMs       int64  `json:"issued_at_ms"`
	PrevHash         string `json:"prev_hash"`
	CoordinatorID    string `json:"coordinator_id"`
	CheckpointHeight int64  `json:"checkpoint_height,omitempty"`
	CheckpointHash   string `json:"checkpoint_hash,omitempty"`
	PayloadJSON      string `json:"payload_json,omitempty"`
	Hash             string `json:"hash"`
	Signature        string `json:"signature"`
}

// canonicalBytes serialises every field that the record hash covers.
// Field order is fixed by the struct definition; the hash and signature
// are zeroed out before marshalling.
func (r Record) canonicalBytes() []byte {
	r.Hash = ""
	r.Signature = ""
	b, _ := json.Marshal(r)
	return b
}

// OrderingChain is the per-coordinator chain. All mutation happens under
// one mutex; Append never performs I/O.
type OrderingChain struct {
	mu            sync.Mutex
	records       []Record
	signer        *cryptoutil.Signer
	coordinatorID string
}

// NewOrderingChain creates an empty chain owned by coordinatorID.
func NewOrderingChain(coordinatorID string, signer *cryptoutil.Signer) *OrderingChain {
	return &OrderingChain{
		records:       make([]Record, 0),
		signer:        signer,
		coordinatorID: coordinatorID,
	}
}

// AppendInput carries the caller-supplied fields of a new record.
type AppendInput struct {
	EventType        string
	TaskID           string
	SubtaskID        string
	ActorID          string
	CheckpointHeight int64
	CheckpointHash   string
	PayloadJSON      string
}

// Append produces the next record: prev-hash linkage, monotonic
// sequence, canonical hash, and a signature over the hash.
func (c *OrderingChain) Append(in AppendInput) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash := GenesisHash
	var seq int64
	if n := len(c.records); n > 0 {
		prevHash = c.records[n-1].Hash
		seq = c.records[n-1].Sequence + 1
	}

	rec := Record{
		ID:               uuid.New().String(),
		EventType:        in.EventType,
		TaskID:           in.TaskID,
		SubtaskID:        in.SubtaskID,
		ActorID:          in.ActorID,
		Sequence:         seq,
		IssuedAtMs:       time.Now().UnixMilli(),
		PrevHash:         prevHash,
		CoordinatorID:    c.coordinatorID,
		CheckpointHeight: in.CheckpointHeight,
		CheckpointHash:   in.CheckpointHash,
		PayloadJSON:      in.PayloadJSON,
	}
	rec.Hash = cryptoutil.HashSHA256Hex(rec.canonicalBytes())
	rec.Signature = c.signer.Sign([]byte(rec.Hash))

	c.records = append(c.records, rec)
	return rec
}

// Snapshot returns a copy of the full chain.
func (c *OrderingChain) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the current chain length.
func (c *OrderingChain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Head returns the latest record and whether the chain is non-empty.
func (c *OrderingChain) Head() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		return Record{}, false
	}
	return c.records[len(c.records)-1], true
}

// VerifyResult names the outcome of a chain verification walk. When OK
// is false, Reason is a stable code and Sequence points at the first
// offending record.
type VerifyResult struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
}

// Verification reason codes.
const (
	VerifyBadGenesis   = "bad_genesis_prev_hash"
	VerifyBrokenLink   = "broken_prev_hash_link"
	VerifyBadSequence  = "non_monotonic_sequence"
	VerifyHashMismatch = "hash_mismatch"
	VerifyBadSignature = "bad_signature"
)

// Verify walks a chain exported by Snapshot: genesis linkage, prev-hash
// continuity, recomputed canonical hashes, and signatures under the
// producing coordinator's public key. The first failure wins.
func Verify(chain []Record, publicKeyHex string) VerifyResult {
	for i, rec := range chain {
		if i == 0 {
			if rec.PrevHash != GenesisHash {
				return VerifyResult{OK: false, Reason: VerifyBadGenesis, Sequence: rec.Sequence}
			}
		} else {
			if rec.PrevHash != chain[i-1].Hash {
				return VerifyResult{OK: false, Reason: VerifyBrokenLink, Sequence: rec.Sequence}
			}
			if rec.Sequence != chain[i-1].Sequence+1 {
				return VerifyResult{OK: false, Reason: VerifyBadSequence, Sequence: rec.Sequence}
			}
		}
		if cryptoutil.HashSHA256Hex(rec.canonicalBytes()) != rec.Hash {
			return VerifyResult{OK: false, Reason: VerifyHashMismatch, Sequence: rec.Sequence}
		}
		valid, err := cryptoutil.Verify(publicKeyHex, []byte(rec.Hash), rec.Signature)
		if err != nil || !valid {
			return VerifyResult{OK: false, Reason: VerifyBadSignature, Sequence: rec.Sequence}
		}
	}
	return VerifyResult{OK: true}
}

// CountClaims returns how many task_claim records exist for subtaskID.
// Used by audits to assert claim uniqueness.
func CountClaims(chain []Record, subtaskID string) int {
	count := 0
	for _, rec := range chain {
		if rec.EventType == EventTaskClaim && rec.SubtaskID == subtaskID {
			count++
		}
	}
	return count
}

// String implements a short human-readable form for logs.
func (r Record) String() string {
	return fmt.Sprintf("%s#%d %s task=%s", r.CoordinatorID, r.Sequence, r.EventType, r.TaskID)
}
