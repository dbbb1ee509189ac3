package mesh

// Reputation deltas and bounds. Scores start at the midpoint and move
// on every ingest outcome and delivery failure.
const (
	ReputationStart = 100
	ReputationMin   = 0
	ReputationMax   = 200

	deltaRateViolation   = -10
	deltaBadSignature    = -5
	deltaIngestOK        = +1
	deltaDeliveryFailure = -1
)

// adjustReputationLocked moves a peer's score by delta, clamped to the
// [ReputationMin, ReputationMax] band. Caller holds m.mu.
func (m *Mesh) adjustReputationLocked(peerID string, delta int) {
	score, ok := m.reputation[peerID]
	if !ok {
		score = ReputationStart
	}
	score += delta
	if score < ReputationMin {
		score = ReputationMin
	}
	if score > ReputationMax {
		score = ReputationMax
	}
	m.reputation[peerID] = score
}

// Reputation returns a peer's current score. Unknown peers report the
// starting score.
func (m *Mesh) Reputation(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if score, ok := m.reputation[peerID]; ok {
		return score
	}
	return ReputationStart
}

// ReputationSnapshot returns a copy of the full score table.
func (m *Mesh) ReputationSnapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.reputation))
	for id, score := range m.reputation {
		out[id] = score
	}
	return out
}
