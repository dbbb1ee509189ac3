// Package blacklist implements the per-coordinator blacklist chain:
// reason-coded, evidence-hashed, reporter-signed suspension records
// linked by hash. Records gossip to peers as blacklist_update messages
// and merge on ingest when newer than the current record for an agent.
package blacklist

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

// GenesisHash initialises every coordinator's chain.
const GenesisHash = "BLACKLIST_GENESIS"

// Reason codes. Every code except manual_review requires a verifiable
// reporter signature over the canonical evidence struct.
const (
	ReasonAbuseSpam       = "abuse_spam"
	ReasonAbuseMalware    = "abuse_malware"
	ReasonPolicyViolation = "policy_violation"
	ReasonCredentialAbuse = "credential_abuse"
	ReasonDosBehavior     = "dos_behavior"
	ReasonForgedResults   = "forged_results"
	ReasonManualReview    = "manual_review"
)

var validReasonCodes = map[string]bool{
	ReasonAbuseSpam:       true,
	ReasonAbuseMalware:    true,
	ReasonPolicyViolation: true,
	ReasonCredentialAbuse: true,
	ReasonDosBehavior:     true,
	ReasonForgedResults:   true,
	ReasonManualReview:    true,
}

// Wire-level validation failures.
var (
	ErrInvalidPayload    = errors.New("invalid_blacklist_payload")
	ErrReporterSignature = errors.New("reporter_signature_invalid_for_reason_code")
	ErrBrokenChain       = errors.New("blacklist_chain_broken")
)

// Record is one suspension event. EventHash covers every field except
// itself and the coordinator signature; the signature covers the hash.
type Record struct {
	EventID                   string `json:"event_id"`
	AgentID                   string `json:"agent_id"`
	ReasonCode                string `json:"reason_code"`
	Reason                    string `json:"reason"`
	EvidenceHashSha256        string `json:"evidence_hash_sha256"`
	ReporterID                string `json:"reporter_id"`
	ReporterPublicKey         string `json:"reporter_public_key,omitempty"`
	ReporterSignature         string `json:"reporter_signature,omitempty"`
	EvidenceSignatureVerified bool   `json:"evidence_signature_verified"`
	SourceCoordinatorID       string `json:"source_coordinator_id"`
	TimestampMs               int64  `json:"timestamp_ms"`
	ExpiresAtMs               int64  `json:"expires_at_ms,omitempty"`
	PrevEventHash             string `json:"prev_event_hash"`
	EventHash                 string `json:"event_hash"`
	CoordinatorSignature      string `json:"coordinator_signature"`
}

func (r Record) canonicalBytes() []byte {
	r.EventHash = ""
	r.CoordinatorSignature = ""
	b, _ := json.Marshal(r)
	return b
}

// evidenceSigningBytes is the canonical evidence struct a reporter
// signs. It excludes the chain fields so the signature survives
// re-chaining on other coordinators.
func (r Record) evidenceSigningBytes() []byte {
	b, _ := json.Marshal(struct {
		AgentID            string `json:"agent_id"`
		ReasonCode         string `json:"reason_code"`
		Reason             string `json:"reason"`
		EvidenceHashSha256 string `json:"evidence_hash_sha256"`
		ReporterID         string `json:"reporter_id"`
		TimestampMs        int64  `json:"timestamp_ms"`
	}{r.AgentID, r.ReasonCode, r.Reason, r.EvidenceHashSha256, r.ReporterID, r.TimestampMs})
	return b
}

// AuditEntry records a chain mutation for the audit endpoint.
type AuditEntry struct {
	Action      string `json:"action"` // appended, merged, evicted_expired, rejected
	EventID     string `json:"event_id"`
	AgentID     string `json:"agent_id"`
	Detail      string `json:"detail,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Chain holds the local hash chain plus the merged per-agent active
// view. Callbacks for gossip and persistence fire outside the lock.
type Chain struct {
	mu            sync.Mutex
	records       []Record
	activeByAgent map[string]Record
	seenEventIDs  map[string]bool
	audit         []AuditEntry
	version       int64

	signer        *cryptoutil.Signer
	coordinatorID string
	onAppend      func(Record)
	now           func() int64
}

// New creates an empty chain for this coordinator.
func New(coordinatorID string, signer *cryptoutil.Signer) *Chain {
	return &Chain{
		records:       make([]Record, 0),
		activeByAgent: make(map[string]Record),
		seenEventIDs:  make(map[string]bool),
		signer:        signer,
		coordinatorID: coordinatorID,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the chain clock. Test hook.
func (c *Chain) SetClock(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// OnAppend registers a callback (gossip broadcast + store mirror)
// invoked after every local append, outside the lock.
func (c *Chain) OnAppend(fn func(Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAppend = fn
}

// AppendInput carries the caller-supplied fields of a local report.
type AppendInput struct {
	AgentID            string
	ReasonCode         string
	Reason             string
	EvidenceHashSha256 string
	ReporterID         string
	ReporterPublicKey  string
	ReporterSignature  string
	ExpiresAtMs        int64
}

// Append creates, signs, and chains a local suspension record. The
// evidence hash must be a 64-char hex digest; the reason code must be
// in the enum; every reason code except manual_review needs a verified
// reporter signature. When the reporter is this coordinator and no
// signature was supplied, the record is signed here.
func (c *Chain) Append(in AppendInput) (Record, error) {
	if !validReasonCodes[in.ReasonCode] {
		return Record{}, ErrInvalidPayload
	}
	if !cryptoutil.IsHexDigest(in.EvidenceHashSha256) {
		return Record{}, ErrInvalidPayload
	}

	c.mu.Lock()

	rec := Record{
		EventID:             uuid.New().String(),
		AgentID:             in.AgentID,
		ReasonCode:          in.ReasonCode,
		Reason:              in.Reason,
		EvidenceHashSha256:  in.EvidenceHashSha256,
		ReporterID:          in.ReporterID,
		ReporterPublicKey:   in.ReporterPublicKey,
		ReporterSignature:   in.ReporterSignature,
		SourceCoordinatorID: c.coordinatorID,
		TimestampMs:         c.now(),
		ExpiresAtMs:         in.ExpiresAtMs,
		PrevEventHash:       c.lastEventHashLocked(),
	}
	if rec.ReporterID == "" {
		rec.ReporterID = c.coordinatorID
	}

	// Self-reports get signed by this coordinator's key.
	if rec.ReporterSignature == "" && rec.ReporterID == c.coordinatorID {
		rec.ReporterPublicKey = c.signer.PublicKeyHex()
		rec.ReporterSignature = c.signer.Sign(rec.evidenceSigningBytes())
	}

	if rec.ReporterPublicKey != "" && rec.ReporterSignature != "" {
		ok, err := cryptoutil.Verify(rec.ReporterPublicKey, rec.evidenceSigningBytes(), rec.ReporterSignature)
		rec.EvidenceSignatureVerified = err == nil && ok
	}
	if !rec.EvidenceSignatureVerified && rec.ReasonCode != ReasonManualReview {
		c.mu.Unlock()
		return Record{}, ErrReporterSignature
	}

	rec.EventHash = cryptoutil.HashSHA256Hex(rec.canonicalBytes())
	rec.CoordinatorSignature = c.signer.Sign([]byte(rec.EventHash))

	c.records = append(c.records, rec)
	c.seenEventIDs[rec.EventID] = true
	c.activeByAgent[rec.AgentID] = rec
	c.version++
	c.auditLocked("appended", rec, "")
	cb := c.onAppend
	c.mu.Unlock()

	// Gossip and store mirroring happen after the lock is released.
	if cb != nil {
		cb(rec)
	}
	return rec, nil
}

// IngestRemote validates a record received via blacklist_update gossip
// and merges it into the active view when it is at least as new as the
// current record for the agent. Exact duplicates (same event id, same
// hash) are idempotent no-ops.
func (c *Chain) IngestRemote(rec Record) error {
	if !validReasonCodes[rec.ReasonCode] {
		c.recordRejected(rec, "bad_reason_code")
		return ErrInvalidPayload
	}
	if !cryptoutil.IsHexDigest(rec.EvidenceHashSha256) {
		c.recordRejected(rec, "bad_evidence_hash")
		return ErrInvalidPayload
	}
	// Payload integrity first: a record whose canonical hash no longer
	// matches was mutated after signing.
	if cryptoutil.HashSHA256Hex(rec.canonicalBytes()) != rec.EventHash {
		c.recordRejected(rec, "event_hash_mismatch")
		return ErrInvalidPayload
	}
	if rec.ReasonCode != ReasonManualReview {
		if rec.ReporterPublicKey == "" || rec.ReporterSignature == "" {
			c.recordRejected(rec, "missing_reporter_signature")
			return ErrReporterSignature
		}
		ok, err := cryptoutil.Verify(rec.ReporterPublicKey, rec.evidenceSigningBytes(), rec.ReporterSignature)
		if err != nil || !ok {
			c.recordRejected(rec, "reporter_signature_mismatch")
			return ErrReporterSignature
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seenEventIDs[rec.EventID] {
		return nil
	}
	if current, ok := c.activeByAgent[rec.AgentID]; ok && rec.TimestampMs < current.TimestampMs {
		c.auditLocked("rejected", rec, "older_than_current")
		return nil
	}
	c.seenEventIDs[rec.EventID] = true
	c.activeByAgent[rec.AgentID] = rec
	c.version++
	c.auditLocked("merged", rec, "")
	return nil
}

// IsBlacklisted reports whether an agent currently has an active
// suspension. Expired records are lazily evicted (version bumped).
func (c *Chain) IsBlacklisted(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.activeByAgent[agentID]
	if !ok {
		return false
	}
	if rec.ExpiresAtMs > 0 && c.now() > rec.ExpiresAtMs {
		delete(c.activeByAgent, agentID)
		c.version++
		c.auditLocked("evicted_expired", rec, "")
		return false
	}
	return true
}

// Records returns a copy of the local chain.
func (c *Chain) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Audit returns the most recent audit entries, newest last.
func (c *Chain) Audit(limit int) []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.audit) {
		limit = len(c.audit)
	}
	out := make([]AuditEntry, limit)
	copy(out, c.audit[len(c.audit)-limit:])
	return out
}

// Version returns the merge/evict version counter.
func (c *Chain) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// VerifyChain walks a local chain: genesis literal, prev-hash linkage,
// recomputed event hashes. Returns the first offending event id.
func VerifyChain(records []Record) (string, error) {
	for i, rec := range records {
		if i == 0 {
			if rec.PrevEventHash != GenesisHash {
				return rec.EventID, ErrBrokenChain
			}
		} else if rec.PrevEventHash != records[i-1].EventHash {
			return rec.EventID, ErrBrokenChain
		}
		if cryptoutil.HashSHA256Hex(rec.canonicalBytes()) != rec.EventHash {
			return rec.EventID, ErrInvalidPayload
		}
	}
	return "", nil
}

func (c *Chain) lastEventHashLocked() string {
	if len(c.records) == 0 {
		return GenesisHash
	}
	return c.records[len(c.records)-1].EventHash
}

func (c *Chain) auditLocked(action string, rec Record, detail string) {
	c.audit = append(c.audit, AuditEntry{
		Action:      action,
		EventID:     rec.EventID,
		AgentID:     rec.AgentID,
		Detail:      detail,
		TimestampMs: c.now(),
	})
	if len(c.audit) > 5000 {
		c.audit = c.audit[len(c.audit)-5000:]
	}
}

func (c *Chain) recordRejected(rec Record, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auditLocked("rejected", rec, detail)
}
