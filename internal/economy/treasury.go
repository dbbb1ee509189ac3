package economy

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

// ErrPolicyNotFound maps to the policy_not_found wire code.
var ErrPolicyNotFound = errors.New("policy_not_found")

// TreasuryPolicy is the signed record governing payout splits and the
// reserve target.
type TreasuryPolicy struct {
	PolicyID          string      `json:"policy_id"`
	CoordinatorID     string      `json:"coordinator_id"`
	PayoutSplit       PayoutSplit `json:"payout_split"`
	ReserveTargetSats int64       `json:"reserve_target_sats"`
	UpdatedBy         string      `json:"updated_by"`
	Version           int         `json:"version"`
	Signature         string      `json:"signature"`
	CreatedAtMs       int64       `json:"created_at_ms"`
	UpdatedAtMs       int64       `json:"updated_at_ms"`
}

func (p TreasuryPolicy) signingBytes() []byte {
	p.Signature = ""
	b, _ := json.Marshal(p)
	return b
}

// CustodyEvent is one key-custody audit entry.
type CustodyEvent struct {
	EventID     string `json:"event_id"`
	Action      string `json:"action"`
	KeyID       string `json:"key_id"`
	ActorID     string `json:"actor_id"`
	Details     string `json:"details,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
	Signature   string `json:"signature"`
}

// Custody actions.
const (
	CustodyKeyLoaded    = "key_loaded"
	CustodyKeyRotated   = "key_rotated"
	CustodyPolicyUpdate = "policy_update"
)

// Treasury holds the active policy and the custody audit trail.
type Treasury struct {
	mu      sync.RWMutex
	policy  *TreasuryPolicy
	custody []CustodyEvent

	coordinatorID string
	signer        *cryptoutil.Signer
	now           func() int64
}

// NewTreasury creates an empty treasury; SetPolicy installs the first
// policy.
func NewTreasury(coordinatorID string, signer *cryptoutil.Signer) *Treasury {
	return &Treasury{
		coordinatorID: coordinatorID,
		signer:        signer,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the treasury clock. Test hook.
func (t *Treasury) SetClock(now func() int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetPolicy installs or replaces the policy. The split is normalized,
// the record signed, and a custody event appended.
func (t *Treasury) SetPolicy(split PayoutSplit, reserveTargetSats int64, updatedBy string) TreasuryPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	policy := TreasuryPolicy{
		PolicyID:          uuid.New().String(),
		CoordinatorID:     t.coordinatorID,
		PayoutSplit:       split.Normalized(),
		ReserveTargetSats: reserveTargetSats,
		UpdatedBy:         updatedBy,
		Version:           1,
		CreatedAtMs:       now,
		UpdatedAtMs:       now,
	}
	if t.policy != nil {
		policy.Version = t.policy.Version + 1
		policy.CreatedAtMs = t.policy.CreatedAtMs
	}
	policy.Signature = t.signer.Sign(policy.signingBytes())
	t.policy = &policy

	t.recordCustodyLocked(CustodyPolicyUpdate, "", updatedBy, "payout split updated")
	return policy
}

// Policy returns the active policy or policy_not_found.
func (t *Treasury) Policy() (TreasuryPolicy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.policy == nil {
		return TreasuryPolicy{}, ErrPolicyNotFound
	}
	return *t.policy, nil
}

// RecordCustody appends a signed key-custody audit event.
func (t *Treasury) RecordCustody(action, keyID, actorID, details string) CustodyEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordCustodyLocked(action, keyID, actorID, details)
}

func (t *Treasury) recordCustodyLocked(action, keyID, actorID, details string) CustodyEvent {
	event := CustodyEvent{
		EventID:     uuid.New().String(),
		Action:      action,
		KeyID:       keyID,
		ActorID:     actorID,
		Details:     details,
		TimestampMs: t.now(),
	}
	payload, _ := json.Marshal(event)
	event.Signature = t.signer.Sign(payload)
	t.custody = append(t.custody, event)
	return event
}

// CustodyEvents returns a copy of the audit trail, newest last.
func (t *Treasury) CustodyEvents() []CustodyEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]CustodyEvent, len(t.custody))
	copy(out, t.custody)
	return out
}
