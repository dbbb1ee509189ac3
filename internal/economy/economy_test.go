package economy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

func newTestSigner(t *testing.T) *cryptoutil.Signer {
	t.Helper()
	signer, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	return signer
}

// ---------- accounts & contribute-first ----------

func TestAuthorizeSubmission_ContributeFirst(t *testing.T) {
	accounts := NewAccounts()

	// Anonymous submitters skip the gate entirely.
	assert.NoError(t, accounts.AuthorizeSubmission("anonymous", 50, 0.1))
	assert.NoError(t, accounts.AuthorizeSubmission("", 50, 0.1))

	// A fresh named account has neither balance nor history.
	assert.ErrorIs(t, accounts.AuthorizeSubmission("alice", 50, 0.1), ErrContributeFirst)

	// Earning satisfies the ratio and funds the per-submission debit.
	accounts.CreditEarned("alice", 10)
	require.NoError(t, accounts.AuthorizeSubmission("alice", 50, 0.1))
	assert.Equal(t, 9.0, accounts.Balance("alice"))

	// Purchased credits at or above the burst threshold bypass the
	// ratio check even with no earnings.
	accounts.CreditPurchased("bob", 60)
	require.NoError(t, accounts.AuthorizeSubmission("bob", 50, 0.1))
	assert.Equal(t, 59.0, accounts.Balance("bob"))
}

func TestAuthorizeSubmission_RatioBelowBurst(t *testing.T) {
	accounts := NewAccounts()

	// Below the burst threshold with a poor earn/spend ratio.
	accounts.CreditPurchased("carol", 20)
	require.NoError(t, accounts.Debit("carol", 15))
	assert.ErrorIs(t, accounts.AuthorizeSubmission("carol", 50, 0.5), ErrContributeFirst)

	// Earning enough flips the ratio.
	accounts.CreditEarned("carol", 10)
	assert.NoError(t, accounts.AuthorizeSubmission("carol", 50, 0.5))
}

func TestDebit_Insufficient(t *testing.T) {
	accounts := NewAccounts()
	accounts.CreditEarned("a", 3)
	assert.ErrorIs(t, accounts.Debit("a", 5), ErrInsufficientCredits)
	assert.NoError(t, accounts.Debit("a", 3))
}

// ---------- pricing ----------

func TestWeightedMedian_Bounds(t *testing.T) {
	quotes := []Quote{
		{CoordinatorID: "a", Price: 12, ReputationWeight: 10},
		{CoordinatorID: "b", Price: 8, ReputationWeight: 900}, // clamps to 500
		{CoordinatorID: "c", Price: 40, ReputationWeight: 0},  // clamps to 1
		{CoordinatorID: "d", Price: 20, ReputationWeight: 50},
	}
	price := WeightedMedian(quotes)
	assert.GreaterOrEqual(t, price, 8.0)
	assert.LessOrEqual(t, price, 40.0)
	// b carries the bulk of the clamped weight.
	assert.Equal(t, 8.0, price)

	assert.Equal(t, 0.0, WeightedMedian(nil))
	assert.Equal(t, 17.0, WeightedMedian([]Quote{{Price: 17, ReputationWeight: 3}}))
}

func TestWeightedMedian_CumulativeWalk(t *testing.T) {
	quotes := []Quote{
		{Price: 10, ReputationWeight: 1},
		{Price: 20, ReputationWeight: 1},
		{Price: 30, ReputationWeight: 2},
	}
	// total=4, half=2; cumulative hits 2 at price 20.
	assert.Equal(t, 20.0, WeightedMedian(quotes))
}

type staticQuotes []Quote

func (q staticQuotes) FetchQuotes(context.Context, string) []Quote { return q }

func TestConsensus_PersistsSignedEpoch(t *testing.T) {
	signer := newTestSigner(t)
	pricing := NewPricing("coord-a", signer, staticQuotes{
		{CoordinatorID: "coord-b", Price: 15, ReputationWeight: 120},
		{CoordinatorID: "coord-c", Price: 25, ReputationWeight: 80},
	})

	signals := CapacitySignals{CPUCapacity: 16, QueuedTasks: 4, ActiveAgents: 2}
	epoch := pricing.Consensus(context.Background(), "cpu", signals)

	assert.Equal(t, "cpu", epoch.ResourceClass)
	assert.ElementsMatch(t, []string{"coord-b", "coord-c"}, epoch.NegotiatedWith)
	local := pricing.LocalQuote("cpu", signals)
	low, high := local, 25.0
	if low > high {
		low, high = high, low
	}
	if 15.0 < low {
		low = 15.0
	}
	assert.GreaterOrEqual(t, epoch.PricePerComputeUnitSats, low)
	assert.LessOrEqual(t, epoch.PricePerComputeUnitSats, high)

	ok, err := cryptoutil.Verify(signer.PublicKeyHex(), epoch.signingBytes(), epoch.Signature)
	require.NoError(t, err)
	assert.True(t, ok)

	got, found := pricing.CurrentEpoch("cpu")
	require.True(t, found)
	assert.Equal(t, epoch.EpochID, got.EpochID)
	assert.Equal(t, epoch.PricePerComputeUnitSats, pricing.SatsPerCredit())
}

func TestSatsPerCredit_FloorBeforeFirstEpoch(t *testing.T) {
	pricing := NewPricing("coord-a", newTestSigner(t), nil)
	assert.Equal(t, FloorPriceSats, pricing.SatsPerCredit())
}

func TestLocalQuote_MonotonicInQueueDepth(t *testing.T) {
	pricing := NewPricing("coord-a", newTestSigner(t), nil)
	base := CapacitySignals{CPUCapacity: 8, ActiveAgents: 4}
	prev := 0.0
	for queued := 0; queued <= 64; queued += 8 {
		s := base
		s.QueuedTasks = queued
		price := pricing.LocalQuote("cpu", s)
		assert.GreaterOrEqual(t, price, prev)
		prev = price
	}
	assert.Greater(t, pricing.LocalQuote("gpu", base), pricing.LocalQuote("cpu", base))
}

// ---------- payments ----------

type fakeProvider struct {
	settled map[string]string // invoiceRef -> txRef
	fail    bool
}

func (f *fakeProvider) CreateInvoice(_ context.Context, amountSats int64, _ string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("provider down")
	}
	return fmt.Sprintf("inv-%d", amountSats), nil
}

func (f *fakeProvider) CheckSettlement(_ context.Context, invoiceRef string) (bool, string, error) {
	txRef, ok := f.settled[invoiceRef]
	return ok, txRef, nil
}

func newTestPayments(t *testing.T, provider InvoiceProvider) (*Payments, *Accounts) {
	t.Helper()
	accounts := NewAccounts()
	pricing := NewPricing("coord-a", newTestSigner(t), nil)
	payments := NewPayments("coord-a", accounts, pricing, provider, 150, 0, DefaultPayoutSplit())
	return payments, accounts
}

func TestCreateAndSettleIntent(t *testing.T) {
	payments, accounts := newTestPayments(t, &fakeProvider{})

	intent, err := payments.CreateIntent(context.Background(), "acct-1", "lightning", 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(150), intent.CoordinatorFeeSats)
	assert.Equal(t, int64(9_850), intent.NetSats)
	// 9850 sats at the 10 sats/credit floor.
	assert.Equal(t, int64(985), intent.QuotedCredits)
	assert.Equal(t, IntentCreated, intent.Status)

	settled, err := payments.Settle(intent.IntentID, "abc")
	require.NoError(t, err)
	assert.Equal(t, IntentSettled, settled.Status)
	assert.Equal(t, "abc", settled.TxRef)
	assert.Equal(t, 985.0, accounts.Balance("acct-1"))

	// Idempotence: the same txRef cannot settle twice, balance holds.
	_, err = payments.Settle(intent.IntentID, "abc")
	assert.ErrorIs(t, err, ErrDuplicateTxRef)
	assert.Equal(t, 985.0, accounts.Balance("acct-1"))

	require.Len(t, payments.FeeEvents(), 1)
	assert.Equal(t, int64(150), payments.FeeEvents()[0].FeeSats)
	require.Len(t, payments.PayoutEvents(), 1)
	payout := payments.PayoutEvents()[0]
	assert.InDelta(t, 9_850.0, payout.ContributorSats+payout.CoordinatorSats+payout.ReserveSats, 1e-9)
}

func TestSettle_DuplicateTxRefAcrossIntents(t *testing.T) {
	payments, _ := newTestPayments(t, &fakeProvider{})

	a, err := payments.CreateIntent(context.Background(), "acct-1", "lightning", 1_000)
	require.NoError(t, err)
	b, err := payments.CreateIntent(context.Background(), "acct-2", "lightning", 2_000)
	require.NoError(t, err)

	_, err = payments.Settle(a.IntentID, "tx-1")
	require.NoError(t, err)
	// The dedup set is process-wide, not per intent.
	_, err = payments.Settle(b.IntentID, "tx-1")
	assert.ErrorIs(t, err, ErrDuplicateTxRef)
}

func TestSettle_UnknownAndExpired(t *testing.T) {
	payments, _ := newTestPayments(t, &fakeProvider{})

	_, err := payments.Settle("nope", "tx")
	assert.ErrorIs(t, err, ErrIntentNotFound)

	var now int64 = 1_000_000
	payments.SetClock(func() int64 { return now })
	intent, err := payments.CreateIntent(context.Background(), "acct-1", "lightning", 1_000)
	require.NoError(t, err)

	now += DefaultIntentTTLMs + 1
	payments.Reconcile(context.Background())
	_, err = payments.Settle(intent.IntentID, "tx")
	assert.ErrorIs(t, err, ErrIntentExpired)
}

func TestReconcile_PollsProvider(t *testing.T) {
	provider := &fakeProvider{settled: map[string]string{}}
	payments, accounts := newTestPayments(t, provider)

	intent, err := payments.CreateIntent(context.Background(), "acct-1", "lightning", 10_000)
	require.NoError(t, err)

	payments.Reconcile(context.Background())
	assert.Equal(t, 0.0, accounts.Balance("acct-1"), "unsettled invoice leaves balance alone")

	provider.settled[intent.InvoiceRef] = "tx-99"
	payments.Reconcile(context.Background())
	got, _ := payments.Get(intent.IntentID)
	assert.Equal(t, IntentSettled, got.Status)
	assert.Equal(t, 985.0, accounts.Balance("acct-1"))

	// A second reconcile pass is a no-op.
	payments.Reconcile(context.Background())
	assert.Equal(t, 985.0, accounts.Balance("acct-1"))
}

func TestPayoutSplit_Clamps(t *testing.T) {
	split := PayoutSplit{CoordinatorShare: 0.9, ReserveShare: 0.8}.Normalized()
	assert.Equal(t, 0.5, split.CoordinatorShare)
	assert.Equal(t, 0.5, split.ReserveShare)
	assert.Equal(t, 0.0, split.ContributorShare)
	assert.InDelta(t, 1.0, split.ContributorShare+split.CoordinatorShare+split.ReserveShare, 1e-9)
}

// ---------- issuance ----------

type staticShares []ContributionShare

func (s staticShares) ContributionShares(_, _ int64) ([]ContributionShare, error) {
	return s, nil
}

func TestIssuance_SingleCoordinatorFinalizes(t *testing.T) {
	accounts := NewAccounts()
	source := staticShares{
		{AccountID: "alice", WeightedContribution: 30},
		{AccountID: "bob", WeightedContribution: 10},
	}
	issuance := NewIssuance("coord-a", newTestSigner(t), source, accounts, DefaultIssuanceConfig())

	epoch, err := issuance.Recalc(CapacitySignals{QueuedTasks: 10, ActiveAgents: 5})
	require.NoError(t, err)

	// Quorum of one: the proposer's vote finalizes immediately.
	final, ok := issuance.Epoch(epoch.IssuanceEpochID)
	require.True(t, ok)
	assert.True(t, final.Finalized)

	assert.Equal(t, final.DailyPoolTokens/24, final.HourlyTokens)
	require.Len(t, final.Allocations, 2)
	assert.InDelta(t, 0.75, final.Allocations[0].AllocationShare, 1e-9)
	assert.InDelta(t, final.HourlyTokens*0.75, accounts.Balance("alice"), 1e-9)
	assert.InDelta(t, final.HourlyTokens*0.25, accounts.Balance("bob"), 1e-9)
}

func TestIssuance_QuorumThreshold(t *testing.T) {
	accounts := NewAccounts()
	issuance := NewIssuance("coord-a", newTestSigner(t), staticShares{{AccountID: "alice", WeightedContribution: 1}}, accounts, DefaultIssuanceConfig())
	issuance.ApproveCoordinator("coord-b")
	issuance.ApproveCoordinator("coord-c")
	require.Equal(t, 2, issuance.QuorumThreshold())

	epoch, err := issuance.Recalc(CapacitySignals{QueuedTasks: 3})
	require.NoError(t, err)

	// One vote (the proposer's) is below threshold.
	got, _ := issuance.Epoch(epoch.IssuanceEpochID)
	assert.False(t, got.Finalized)
	assert.Equal(t, 0.0, accounts.Balance("alice"))

	// Duplicate votes do not advance the count and coordinators outside
	// the quorum set are rejected outright.
	require.NoError(t, issuance.Vote(epoch.IssuanceEpochID, "coord-a"))
	assert.ErrorIs(t, issuance.Vote(epoch.IssuanceEpochID, "coord-z"), ErrCoordinatorNotApproved)
	got, _ = issuance.Epoch(epoch.IssuanceEpochID)
	assert.False(t, got.Finalized)

	require.NoError(t, issuance.Vote(epoch.IssuanceEpochID, "coord-b"))
	got, _ = issuance.Epoch(epoch.IssuanceEpochID)
	assert.True(t, got.Finalized)
	assert.Greater(t, accounts.Balance("alice"), 0.0)
}

func TestIssuance_PoolCurveBounded(t *testing.T) {
	cfg := DefaultIssuanceConfig()
	issuance := NewIssuance("coord-a", newTestSigner(t), staticShares{}, NewAccounts(), cfg)

	assert.Equal(t, cfg.MinDailyPool, issuance.poolCurve(0))
	prev := 0.0
	for load := 0.0; load <= 10_000; load += 500 {
		pool := issuance.poolCurve(load)
		assert.GreaterOrEqual(t, pool, cfg.MinDailyPool)
		assert.LessOrEqual(t, pool, cfg.MaxDailyPool)
		assert.GreaterOrEqual(t, pool, prev)
		prev = pool
	}
}

func TestIssuance_AnchorLatest(t *testing.T) {
	signer := newTestSigner(t)
	issuance := NewIssuance("coord-a", signer, staticShares{{AccountID: "alice", WeightedContribution: 1}}, NewAccounts(), DefaultIssuanceConfig())

	_, ok := issuance.AnchorLatest("s3://anchors")
	assert.False(t, ok, "nothing finalized yet")

	epoch, err := issuance.Recalc(CapacitySignals{QueuedTasks: 1})
	require.NoError(t, err)

	anchor, ok := issuance.AnchorLatest("s3://anchors")
	require.True(t, ok)
	assert.Equal(t, epoch.IssuanceEpochID, anchor.IssuanceEpochID)
	assert.True(t, cryptoutil.IsHexDigest(anchor.EpochHash))
	valid, err := cryptoutil.Verify(signer.PublicKeyHex(), []byte(anchor.EpochHash), anchor.Signature)
	require.NoError(t, err)
	assert.True(t, valid)

	// Anchoring consumes the finalized epoch.
	_, ok = issuance.AnchorLatest("s3://anchors")
	assert.False(t, ok)

	actions := make([]string, 0)
	for _, rec := range issuance.QuorumLedger() {
		actions = append(actions, rec.Action)
	}
	assert.Equal(t, []string{QuorumProposal, QuorumVote, QuorumCommit, QuorumCheckpoint}, actions)
}

// ---------- treasury ----------

func TestTreasury_PolicyLifecycle(t *testing.T) {
	signer := newTestSigner(t)
	treasury := NewTreasury("coord-a", signer)

	_, err := treasury.Policy()
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	p1 := treasury.SetPolicy(PayoutSplit{CoordinatorShare: 0.7, ReserveShare: 0.1}, 50_000, "ops")
	assert.Equal(t, 1, p1.Version)
	assert.Equal(t, 0.5, p1.PayoutSplit.CoordinatorShare, "coordinator share clamps")

	valid, err := cryptoutil.Verify(signer.PublicKeyHex(), p1.signingBytes(), p1.Signature)
	require.NoError(t, err)
	assert.True(t, valid)

	p2 := treasury.SetPolicy(DefaultPayoutSplit(), 60_000, "ops")
	assert.Equal(t, 2, p2.Version)
	assert.Equal(t, p1.CreatedAtMs, p2.CreatedAtMs)

	events := treasury.CustodyEvents()
	require.Len(t, events, 2)
	assert.Equal(t, CustodyPolicyUpdate, events[0].Action)
}

// ---------- offline ledger ----------

type staticKeys map[string]string

func (k staticKeys) PublicKeyFor(agentID string) (string, bool) {
	key, ok := k[agentID]
	return key, ok
}

func signedEntry(signer *cryptoutil.Signer, entryID, agentID string, credits float64) OfflineEntry {
	entry := OfflineEntry{EntryID: entryID, AgentID: agentID, PeerAgentID: "agent-2", Credits: credits}
	entry.Signature = signer.Sign(entry.SigningBytes())
	return entry
}

func TestOfflineLedger_SyncDedup(t *testing.T) {
	signer := newTestSigner(t)
	accounts := NewAccounts()
	ledger := NewOfflineLedger(accounts, staticKeys{"agent-1": signer.PublicKeyHex()})

	batch := []OfflineEntry{
		signedEntry(signer, "e1", "agent-1", 3),
		signedEntry(signer, "e2", "agent-1", 2),
		signedEntry(signer, "", "agent-1", 1),
		signedEntry(signer, "e3", "agent-1", -4),
	}
	result := ledger.Sync(batch)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Duplicates)
	assert.Equal(t, 2, result.Rejected)
	assert.Len(t, result.AcceptedEntries, 2)
	assert.Equal(t, 5.0, accounts.Balance("agent-1"))

	// Replaying the batch changes nothing.
	result = ledger.Sync(batch)
	assert.Equal(t, 2, result.Duplicates)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 5.0, accounts.Balance("agent-1"))
	assert.Len(t, ledger.Entries(), 2)
}

func TestOfflineLedger_SignatureRequired(t *testing.T) {
	signer := newTestSigner(t)
	forger := newTestSigner(t)
	accounts := NewAccounts()
	ledger := NewOfflineLedger(accounts, staticKeys{"agent-1": signer.PublicKeyHex()})

	unsigned := OfflineEntry{EntryID: "u1", AgentID: "agent-1", Credits: 1_000_000}
	garbage := OfflineEntry{EntryID: "u2", AgentID: "agent-1", Credits: 1_000_000, Signature: "not-a-signature"}
	forged := OfflineEntry{EntryID: "u3", AgentID: "agent-1", Credits: 1_000_000}
	forged.Signature = forger.Sign(forged.SigningBytes())
	unknownAgent := signedEntry(signer, "u4", "agent-9", 1_000_000)

	result := ledger.Sync([]OfflineEntry{unsigned, garbage, forged, unknownAgent})
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 4, result.Rejected)
	assert.Equal(t, 0.0, accounts.Balance("agent-1"))
	assert.Equal(t, 0.0, accounts.Balance("agent-9"))
	assert.Empty(t, ledger.Entries())

	// Tampering with a signed entry after signing invalidates it.
	tampered := signedEntry(signer, "t1", "agent-1", 2)
	tampered.Credits = 2_000_000
	result = ledger.Sync([]OfflineEntry{tampered})
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 0.0, accounts.Balance("agent-1"))

	// The genuine article still goes through.
	result = ledger.Sync([]OfflineEntry{signedEntry(signer, "ok1", "agent-1", 2)})
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2.0, accounts.Balance("agent-1"))
}
