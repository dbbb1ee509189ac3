package economy

import (
	"encoding/json"
	"sync"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

// OfflineEntry is one earning recorded between two agents while they
// worked peer-to-peer without coordinator connectivity. Agents upload
// batches when they reconnect; entry ids make the upload replay-safe
// and each entry carries the earning agent's detached signature over
// its canonical bytes.
type OfflineEntry struct {
	EntryID      string  `json:"entry_id"`
	AgentID      string  `json:"agent_id"`
	PeerAgentID  string  `json:"peer_agent_id"`
	Credits      float64 `json:"credits"`
	Description  string  `json:"description,omitempty"`
	RecordedAtMs int64   `json:"recorded_at_ms"`
	Signature    string  `json:"signature,omitempty"`
}

// SigningBytes returns the canonical bytes an agent signs: the entry's
// JSON with the signature field zeroed. Exported because uploading
// agents produce this signature client-side.
func (e OfflineEntry) SigningBytes() []byte {
	e.Signature = ""
	b, _ := json.Marshal(e)
	return b
}

// KeyResolver looks up the Ed25519 public key an agent registered
// with. The registry implements it.
type KeyResolver interface {
	PublicKeyFor(agentID string) (string, bool)
}

// OfflineLedger accepts offline earning batches: each entry's
// signature is verified against the earning agent's registered key,
// then the batch is deduplicated by entry id before crediting.
type OfflineLedger struct {
	mu      sync.Mutex
	seen    map[string]bool
	entries []OfflineEntry

	accounts *Accounts
	keys     KeyResolver
}

// NewOfflineLedger creates an empty offline ledger over accounts. keys
// resolves agent signing keys; entries from agents without a resolvable
// key are rejected.
func NewOfflineLedger(accounts *Accounts, keys KeyResolver) *OfflineLedger {
	return &OfflineLedger{
		seen:     make(map[string]bool),
		accounts: accounts,
		keys:     keys,
	}
}

// SyncResult reports one upload batch. AcceptedEntries carries the
// entries that were actually credited, for callers that mirror them.
type SyncResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`

	AcceptedEntries []OfflineEntry `json:"-"`
}

// verify checks one entry's signature against the agent's registered
// key. An agent with no registered key cannot have produced a valid
// entry.
func (l *OfflineLedger) verify(entry OfflineEntry) bool {
	if entry.Signature == "" || l.keys == nil {
		return false
	}
	key, ok := l.keys.PublicKeyFor(entry.AgentID)
	if !ok {
		return false
	}
	valid, err := cryptoutil.Verify(key, entry.SigningBytes(), entry.Signature)
	return err == nil && valid
}

// Sync applies a batch. Entries without an id, with non-positive
// credits, or whose signature does not verify against the agent's
// registered key are rejected; already-seen ids count as duplicates
// and change nothing.
func (l *OfflineLedger) Sync(entries []OfflineEntry) SyncResult {
	var result SyncResult
	var accepted []OfflineEntry

	l.mu.Lock()
	for _, entry := range entries {
		if entry.EntryID == "" || entry.AgentID == "" || entry.Credits <= 0 {
			result.Rejected++
			continue
		}
		if !l.verify(entry) {
			result.Rejected++
			continue
		}
		if l.seen[entry.EntryID] {
			result.Duplicates++
			continue
		}
		l.seen[entry.EntryID] = true
		l.entries = append(l.entries, entry)
		accepted = append(accepted, entry)
		result.Accepted++
	}
	l.mu.Unlock()

	for _, entry := range accepted {
		l.accounts.CreditEarned(entry.AgentID, entry.Credits)
	}
	result.AcceptedEntries = accepted
	return result
}

// Entries returns a copy of every accepted entry.
func (l *OfflineLedger) Entries() []OfflineEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OfflineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
