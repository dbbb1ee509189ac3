// Package registry owns the agent lifecycle: registration gated by the
// external enrollment portal, heartbeat tracking, power-aware task
// admission, and the mesh auth tokens agents must present after
// registering.
package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Capabilities is the capability record an agent submits on register.
// PublicKey is the agent's Ed25519 signing key, hex-encoded; entries the
// agent signs while offline are verified against it.
type Capabilities struct {
	OS                 string   `json:"os"`
	Version            string   `json:"version"`
	Mode               string   `json:"mode"`
	LocalModelProvider string   `json:"local_model_provider,omitempty"`
	LocalModelCatalog  []string `json:"local_model_catalog,omitempty"`
	ClientType         string   `json:"client_type"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	OwnerEmail         string   `json:"owner_email,omitempty"`
	SourceIP           string   `json:"source_ip,omitempty"`
	PublicKey          string   `json:"public_key,omitempty"`
}

// Agent is one registered device.
type Agent struct {
	AgentID            string          `json:"agent_id"`
	Capabilities       Capabilities    `json:"capabilities"`
	LastHeartbeatMs    int64           `json:"last_heartbeat_ms"`
	RegisteredAtMs     int64           `json:"registered_at_ms"`
	LastTaskAssignedMs int64           `json:"last_task_assigned_ms,omitempty"`
	ConnectedPeers     map[string]bool `json:"-"`
	ActiveModel        string          `json:"active_model,omitempty"`

	meshTokenHash []byte
}

// BlacklistChecker is satisfied by the blacklist chain. The registry
// rejects blacklisted agents from register/heartbeat/pull/result.
type BlacklistChecker interface {
	IsBlacklisted(agentID string) bool
}

// ErrAgentBlacklisted maps to the agent_blacklisted wire code.
var ErrAgentBlacklisted = errors.New("agent_blacklisted")

// ErrAgentUnknown maps to node_not_enrolled.
var ErrAgentUnknown = errors.New("node_not_enrolled")

// ErrPortalRejected maps to registration_token_invalid.
var ErrPortalRejected = errors.New("registration_token_invalid")

// ErrNodeNotActivated maps to node_not_activated: the portal knows the
// node but its owner has not activated it yet.
var ErrNodeNotActivated = errors.New("node_not_activated")

// ErrCapabilityMismatch maps to capability_mismatch: the submitted
// capability record is internally inconsistent.
var ErrCapabilityMismatch = errors.New("capability_mismatch")

// Registry holds the capability table. One mutex guards the table;
// portal validation happens before the lock is taken, never under it.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	portal    PortalClient
	blacklist BlacklistChecker
	now       func() int64
}

// New creates a registry. portal may be a DisabledPortalClient; the
// blacklist checker may be nil during early wiring.
func New(portal PortalClient, blacklist BlacklistChecker) *Registry {
	return &Registry{
		agents:    make(map[string]*Agent),
		portal:    portal,
		blacklist: blacklist,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the registry clock. Test hook.
func (r *Registry) SetClock(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// RegisterOutcome reports an admission decision plus the opaque mesh
// token the agent must present on all subsequent calls.
type RegisterOutcome struct {
	MeshToken    string `json:"mesh_token"`
	PortalReason string `json:"portal_reason,omitempty"`
}

// validateCapabilities rejects internally inconsistent capability
// records before any portal I/O is spent on them.
func validateCapabilities(caps Capabilities) error {
	if caps.MaxConcurrentTasks < 0 {
		return ErrCapabilityMismatch
	}
	if len(caps.LocalModelCatalog) > 0 && caps.LocalModelProvider == "" {
		return ErrCapabilityMismatch
	}
	if caps.PublicKey != "" {
		raw, err := hex.DecodeString(caps.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return ErrCapabilityMismatch
		}
	}
	return nil
}

// Register admits an agent. Flow: blacklist check, capability
// validation, portal validation (I/O, lock not held), capability
// upsert, mesh token issue. The token is returned once in plaintext;
// only its bcrypt hash is retained.
func (r *Registry) Register(ctx context.Context, agentID string, caps Capabilities, registrationToken string) (*RegisterOutcome, error) {
	if r.blacklist != nil && r.blacklist.IsBlacklisted(agentID) {
		return nil, ErrAgentBlacklisted
	}
	if err := validateCapabilities(caps); err != nil {
		return nil, err
	}

	validation, err := r.portal.ValidateNode(ctx, agentID, registrationToken, caps.SourceIP)
	if err != nil {
		return nil, err
	}
	if !validation.Allowed {
		if validation.Reason == "node_not_activated" {
			return nil, ErrNodeNotActivated
		}
		return nil, ErrPortalRejected
	}

	token := uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	agent, exists := r.agents[agentID]
	if !exists {
		agent = &Agent{
			AgentID:        agentID,
			RegisteredAtMs: now,
			ConnectedPeers: make(map[string]bool),
		}
		r.agents[agentID] = agent
	}
	agent.Capabilities = caps
	agent.LastHeartbeatMs = now
	agent.meshTokenHash = hash

	return &RegisterOutcome{MeshToken: token, PortalReason: validation.Reason}, nil
}

// VerifyMeshToken checks an agent's presented token against the stored
// hash. Unknown agents and mismatches both fail.
func (r *Registry) VerifyMeshToken(agentID, token string) bool {
	r.mu.RLock()
	agent, ok := r.agents[agentID]
	var hash []byte
	if ok {
		hash = agent.meshTokenHash
	}
	r.mu.RUnlock()

	if !ok || len(hash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

// Heartbeat records liveness and the agent's currently active model.
func (r *Registry) Heartbeat(agentID, activeModel string) error {
	if r.blacklist != nil && r.blacklist.IsBlacklisted(agentID) {
		return ErrAgentBlacklisted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentUnknown
	}
	agent.LastHeartbeatMs = r.now()
	if activeModel != "" {
		agent.ActiveModel = activeModel
	}
	return nil
}

// Touch checks that an agent exists and is not blacklisted. Used on the
// pull and result paths.
func (r *Registry) Touch(agentID string) error {
	if r.blacklist != nil && r.blacklist.IsBlacklisted(agentID) {
		return ErrAgentBlacklisted
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[agentID]; !ok {
		return ErrAgentUnknown
	}
	return nil
}

// Get returns a copy of an agent record.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	out := *agent
	out.ConnectedPeers = nil
	return out, true
}

// PublicKeyFor returns the Ed25519 public key an agent registered
// with. Agents that declared no key resolve to nothing.
func (r *Registry) PublicKeyFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agent, ok := r.agents[agentID]; ok && agent.Capabilities.PublicKey != "" {
		return agent.Capabilities.PublicKey, true
	}
	return "", false
}

// RecordTaskAssigned stamps the last assignment time; the iOS battery
// throttle in the power policy keys off this.
func (r *Registry) RecordTaskAssigned(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.LastTaskAssignedMs = r.now()
	}
}

// LastTaskAssigned returns the last assignment stamp for an agent.
func (r *Registry) LastTaskAssigned(agentID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agent, ok := r.agents[agentID]; ok {
		return agent.LastTaskAssignedMs
	}
	return 0
}

// ActiveCount returns how many agents heartbeated within windowMs.
func (r *Registry) ActiveCount(windowMs int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now() - windowMs
	count := 0
	for _, agent := range r.agents {
		if agent.LastHeartbeatMs >= cutoff {
			count++
		}
	}
	return count
}

// List returns copies of every agent record.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		a := *agent
		a.ConnectedPeers = nil
		out = append(out, a)
	}
	return out
}
