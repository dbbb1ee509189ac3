package economy

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

// ErrCoordinatorNotApproved maps to coordinator_not_approved: only
// quorum members may vote on issuance epochs.
var ErrCoordinatorNotApproved = errors.New("coordinator_not_approved")

// Issuance defaults.
const (
	DefaultIssuanceWindowMs = int64(24 * time.Hour / time.Millisecond)
	DefaultIssuanceRecalcMs = int64(time.Hour / time.Millisecond)
	DefaultAnchorIntervalMs = int64(2 * time.Hour / time.Millisecond)

	DefaultLoadAlpha    = 0.35
	DefaultMinDailyPool = 1_000.0
	DefaultMaxDailyPool = 100_000.0
)

// ContributionShare is one account's weighted contribution inside a
// rolling window, as reported by the store.
type ContributionShare struct {
	AccountID            string  `json:"account_id"`
	WeightedContribution float64 `json:"weighted_contribution"`
}

// ContributionSource reads rolling contribution shares. The store
// implements it.
type ContributionSource interface {
	ContributionShares(windowStartMs, windowEndMs int64) ([]ContributionShare, error)
}

// Allocation is one account's slice of an issuance epoch.
type Allocation struct {
	AccountID            string  `json:"account_id"`
	WeightedContribution float64 `json:"weighted_contribution"`
	AllocationShare      float64 `json:"allocation_share"`
	IssuedTokens         float64 `json:"issued_tokens"`
}

// IssuanceEpoch is one hourly allocation round.
type IssuanceEpoch struct {
	IssuanceEpochID           string       `json:"issuance_epoch_id"`
	CoordinatorID             string       `json:"coordinator_id"`
	WindowStartMs             int64        `json:"window_start_ms"`
	WindowEndMs               int64        `json:"window_end_ms"`
	LoadIndex                 float64      `json:"load_index"`
	DailyPoolTokens           float64      `json:"daily_pool_tokens"`
	HourlyTokens              float64      `json:"hourly_tokens"`
	TotalWeightedContribution float64      `json:"total_weighted_contribution"`
	ContributionCount         int          `json:"contribution_count"`
	Finalized                 bool         `json:"finalized"`
	Allocations               []Allocation `json:"allocations"`
	CreatedAtMs               int64        `json:"created_at_ms"`
}

// Quorum record actions.
const (
	QuorumProposal   = "proposal"
	QuorumVote       = "vote"
	QuorumCommit     = "commit"
	QuorumCheckpoint = "checkpoint"
)

// QuorumRecord is one entry in the quorum ledger.
type QuorumRecord struct {
	RecordID        string `json:"record_id"`
	Action          string `json:"action"`
	IssuanceEpochID string `json:"issuance_epoch_id"`
	VoterID         string `json:"voter_id"`
	TimestampMs     int64  `json:"timestamp_ms"`
}

// Anchor points a finalized epoch at the external immutable store.
type Anchor struct {
	AnchorID        string `json:"anchor_id"`
	IssuanceEpochID string `json:"issuance_epoch_id"`
	EpochHash       string `json:"epoch_hash"`
	ExternalRef     string `json:"external_ref,omitempty"`
	Signature       string `json:"signature"`
	CreatedAtMs     int64  `json:"created_at_ms"`
}

// IssuanceConfig carries the issuance tunables.
type IssuanceConfig struct {
	WindowMs     int64
	Alpha        float64
	MinDailyPool float64
	MaxDailyPool float64
}

// DefaultIssuanceConfig returns the protocol defaults.
func DefaultIssuanceConfig() IssuanceConfig {
	return IssuanceConfig{
		WindowMs:     DefaultIssuanceWindowMs,
		Alpha:        DefaultLoadAlpha,
		MinDailyPool: DefaultMinDailyPool,
		MaxDailyPool: DefaultMaxDailyPool,
	}
}

// Issuance runs the rolling-window token issuance and its quorum. The
// quorum set is the approved coordinators, this one included.
type Issuance struct {
	mu           sync.Mutex
	cfg          IssuanceConfig
	source       ContributionSource
	accounts     *Accounts
	smoothedLoad float64
	epochs       map[string]*IssuanceEpoch
	latestID     string
	lastFinalID  string

	quorumSet    map[string]bool
	votes        map[string]map[string]bool
	quorumLedger []QuorumRecord
	anchors      []Anchor

	coordinatorID string
	signer        *cryptoutil.Signer
	onProposal    func(IssuanceEpoch)
	onCommit      func(IssuanceEpoch)
	now           func() int64
}

// NewIssuance creates the issuance engine. The quorum set starts with
// just this coordinator; peers join via ApproveCoordinator.
func NewIssuance(coordinatorID string, signer *cryptoutil.Signer, source ContributionSource, accounts *Accounts, cfg IssuanceConfig) *Issuance {
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = DefaultIssuanceWindowMs
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultLoadAlpha
	}
	if cfg.MinDailyPool <= 0 {
		cfg.MinDailyPool = DefaultMinDailyPool
	}
	if cfg.MaxDailyPool < cfg.MinDailyPool {
		cfg.MaxDailyPool = DefaultMaxDailyPool
	}
	return &Issuance{
		cfg:           cfg,
		source:        source,
		accounts:      accounts,
		epochs:        make(map[string]*IssuanceEpoch),
		quorumSet:     map[string]bool{coordinatorID: true},
		votes:         make(map[string]map[string]bool),
		coordinatorID: coordinatorID,
		signer:        signer,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the issuance clock. Test hook.
func (s *Issuance) SetClock(now func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnProposal registers the broadcast hook fired after each proposal,
// outside the lock.
func (s *Issuance) OnProposal(fn func(IssuanceEpoch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProposal = fn
}

// OnCommit registers the hook fired when an epoch finalizes.
func (s *Issuance) OnCommit(fn func(IssuanceEpoch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = fn
}

// ApproveCoordinator adds a peer to the quorum set.
func (s *Issuance) ApproveCoordinator(coordinatorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quorumSet[coordinatorID] = true
}

// QuorumThreshold is floor(|set|/2) + 1.
func (s *Issuance) QuorumThreshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quorumSet)/2 + 1
}

// rawLoadIndex folds the capacity signals into one scalar. Queue depth
// dominates; agent count and capacity dampen it.
func rawLoadIndex(signals CapacitySignals) float64 {
	return 2*float64(signals.QueuedTasks) + float64(signals.ActiveAgents) + signals.CPUCapacity/10 + signals.GPUCapacity/4
}

// poolCurve maps the smoothed load onto [min, max] daily tokens. The
// curve is monotonic and saturates: pool = min + (max-min) * L/(L+50).
func (s *Issuance) poolCurve(smoothed float64) float64 {
	if smoothed < 0 {
		smoothed = 0
	}
	return s.cfg.MinDailyPool + (s.cfg.MaxDailyPool-s.cfg.MinDailyPool)*smoothed/(smoothed+50)
}

// Recalc runs one issuance round: read the contribution window, smooth
// the load index, size the pool, allocate the hourly slice, propose,
// and cast the local approve vote. Store reads happen before the lock.
func (s *Issuance) Recalc(signals CapacitySignals) (IssuanceEpoch, error) {
	s.mu.Lock()
	windowEnd := s.now()
	windowStart := windowEnd - s.cfg.WindowMs
	s.mu.Unlock()

	shares, err := s.source.ContributionShares(windowStart, windowEnd)
	if err != nil {
		return IssuanceEpoch{}, err
	}

	s.mu.Lock()
	raw := rawLoadIndex(signals)
	s.smoothedLoad = s.cfg.Alpha*raw + (1-s.cfg.Alpha)*s.smoothedLoad
	daily := s.poolCurve(s.smoothedLoad)
	hourly := daily / 24

	var totalWeighted float64
	for _, share := range shares {
		totalWeighted += share.WeightedContribution
	}

	epoch := &IssuanceEpoch{
		IssuanceEpochID:           uuid.New().String(),
		CoordinatorID:             s.coordinatorID,
		WindowStartMs:             windowStart,
		WindowEndMs:               windowEnd,
		LoadIndex:                 s.smoothedLoad,
		DailyPoolTokens:           daily,
		HourlyTokens:              hourly,
		TotalWeightedContribution: totalWeighted,
		ContributionCount:         len(shares),
		CreatedAtMs:               s.now(),
	}
	if totalWeighted > 0 {
		epoch.Allocations = make([]Allocation, 0, len(shares))
		for _, share := range shares {
			allocShare := share.WeightedContribution / totalWeighted
			epoch.Allocations = append(epoch.Allocations, Allocation{
				AccountID:            share.AccountID,
				WeightedContribution: share.WeightedContribution,
				AllocationShare:      allocShare,
				IssuedTokens:         hourly * allocShare,
			})
		}
	}
	s.epochs[epoch.IssuanceEpochID] = epoch
	s.latestID = epoch.IssuanceEpochID
	s.appendQuorumLocked(QuorumProposal, epoch.IssuanceEpochID, s.coordinatorID)
	onProposal := s.onProposal
	proposed := *epoch
	s.mu.Unlock()

	if onProposal != nil {
		onProposal(proposed)
	}

	// Proposer's own approve vote counts toward the threshold and can
	// finalize a single-coordinator quorum immediately.
	return proposed, s.Vote(proposed.IssuanceEpochID, s.coordinatorID)
}

// Vote records an approve vote from a quorum member. Reaching the
// threshold finalizes the epoch, appends the commit record, and pays
// out the allocations as earned credits. Votes from coordinators
// outside the quorum set are rejected; duplicate votes are ignored.
func (s *Issuance) Vote(epochID, voterID string) error {
	s.mu.Lock()
	if !s.quorumSet[voterID] {
		s.mu.Unlock()
		return ErrCoordinatorNotApproved
	}
	epoch, ok := s.epochs[epochID]
	if !ok || epoch.Finalized {
		s.mu.Unlock()
		return nil
	}
	voters, ok := s.votes[epochID]
	if !ok {
		voters = make(map[string]bool)
		s.votes[epochID] = voters
	}
	if voters[voterID] {
		s.mu.Unlock()
		return nil
	}
	voters[voterID] = true
	s.appendQuorumLocked(QuorumVote, epochID, voterID)

	threshold := len(s.quorumSet)/2 + 1
	if len(voters) < threshold {
		s.mu.Unlock()
		return nil
	}

	epoch.Finalized = true
	s.lastFinalID = epochID
	s.appendQuorumLocked(QuorumCommit, epochID, s.coordinatorID)
	committed := *epoch
	onCommit := s.onCommit
	s.mu.Unlock()

	for _, alloc := range committed.Allocations {
		s.accounts.CreditEarned(alloc.AccountID, alloc.IssuedTokens)
	}
	logger.Printf("issuance epoch %s finalized: %.2f tokens over %d accounts", committed.IssuanceEpochID, committed.HourlyTokens, len(committed.Allocations))
	if onCommit != nil {
		onCommit(committed)
	}
	return nil
}

func (s *Issuance) appendQuorumLocked(action, epochID, voterID string) {
	s.quorumLedger = append(s.quorumLedger, QuorumRecord{
		RecordID:        uuid.New().String(),
		Action:          action,
		IssuanceEpochID: epochID,
		VoterID:         voterID,
		TimestampMs:     s.now(),
	})
}

// AnchorLatest hashes the latest finalized epoch and its allocations
// canonically and records a signed anchor. No-op when nothing has
// finalized since the last anchor.
func (s *Issuance) AnchorLatest(externalRef string) (Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFinalID == "" {
		return Anchor{}, false
	}
	epoch := s.epochs[s.lastFinalID]
	canonical, _ := json.Marshal(struct {
		Epoch       IssuanceEpoch `json:"epoch"`
		Allocations []Allocation  `json:"allocations"`
	}{*epoch, epoch.Allocations})

	anchor := Anchor{
		AnchorID:        uuid.New().String(),
		IssuanceEpochID: epoch.IssuanceEpochID,
		EpochHash:       cryptoutil.HashSHA256Hex(canonical),
		ExternalRef:     externalRef,
		CreatedAtMs:     s.now(),
	}
	anchor.Signature = s.signer.Sign([]byte(anchor.EpochHash))
	s.anchors = append(s.anchors, anchor)
	s.appendQuorumLocked(QuorumCheckpoint, epoch.IssuanceEpochID, s.coordinatorID)
	s.lastFinalID = ""
	return anchor, true
}

// LatestEpoch returns the most recent epoch, finalized or not.
func (s *Issuance) LatestEpoch() (IssuanceEpoch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestID == "" {
		return IssuanceEpoch{}, false
	}
	return *s.epochs[s.latestID], true
}

// Epoch returns one epoch by id.
func (s *Issuance) Epoch(epochID string) (IssuanceEpoch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch, ok := s.epochs[epochID]; ok {
		return *epoch, true
	}
	return IssuanceEpoch{}, false
}

// QuorumLedger returns a copy of the quorum records.
func (s *Issuance) QuorumLedger() []QuorumRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuorumRecord, len(s.quorumLedger))
	copy(out, s.quorumLedger)
	return out
}

// Anchors returns a copy of the anchor records.
func (s *Issuance) Anchors() []Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anchor, len(s.anchors))
	copy(out, s.anchors)
	return out
}
