package blacklist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

func newTestChain(t *testing.T) (*Chain, *cryptoutil.Signer) {
	t.Helper()
	signer, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	return New("coord-a", signer), signer
}

func evidenceHash(s string) string {
	return cryptoutil.HashSHA256Hex([]byte(s))
}

func TestAppend_ChainMonotonic(t *testing.T) {
	chain, _ := newTestChain(t)

	r0, err := chain.Append(AppendInput{AgentID: "agent-1", ReasonCode: ReasonAbuseSpam, Reason: "spam floods", EvidenceHashSha256: evidenceHash("e1")})
	require.NoError(t, err)
	r1, err := chain.Append(AppendInput{AgentID: "agent-2", ReasonCode: ReasonForgedResults, Reason: "forged outputs", EvidenceHashSha256: evidenceHash("e2")})
	require.NoError(t, err)
	r2, err := chain.Append(AppendInput{AgentID: "agent-3", ReasonCode: ReasonManualReview, Reason: "operator hold", EvidenceHashSha256: evidenceHash("e3")})
	require.NoError(t, err)

	// Property 3: genesis literal then hash linkage.
	assert.Equal(t, GenesisHash, r0.PrevEventHash)
	assert.Equal(t, r0.EventHash, r1.PrevEventHash)
	assert.Equal(t, r1.EventHash, r2.PrevEventHash)

	bad, err := VerifyChain(chain.Records())
	require.NoError(t, err)
	assert.Empty(t, bad)

	assert.True(t, chain.IsBlacklisted("agent-1"))
	assert.True(t, chain.IsBlacklisted("agent-2"))
	assert.False(t, chain.IsBlacklisted("agent-9"))
}

func TestAppend_Validation(t *testing.T) {
	chain, _ := newTestChain(t)

	_, err := chain.Append(AppendInput{AgentID: "a", ReasonCode: "made_up", EvidenceHashSha256: evidenceHash("e")})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = chain.Append(AppendInput{AgentID: "a", ReasonCode: ReasonAbuseSpam, EvidenceHashSha256: "short"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// A foreign reporter without a signature fails for signed reason codes.
	_, err = chain.Append(AppendInput{AgentID: "a", ReasonCode: ReasonAbuseSpam, ReporterID: "someone-else", EvidenceHashSha256: evidenceHash("e")})
	assert.ErrorIs(t, err, ErrReporterSignature)

	// manual_review does not require a reporter signature.
	_, err = chain.Append(AppendInput{AgentID: "a", ReasonCode: ReasonManualReview, ReporterID: "someone-else", EvidenceHashSha256: evidenceHash("e")})
	assert.NoError(t, err)
}

func TestIngestRemote_MergeAndReject(t *testing.T) {
	remote, _ := newTestChain(t)
	local, _ := newTestChain(t)

	rec, err := remote.Append(AppendInput{AgentID: "agent-x", ReasonCode: ReasonAbuseSpam, Reason: "spam", EvidenceHashSha256: evidenceHash("e1")})
	require.NoError(t, err)

	require.NoError(t, local.IngestRemote(rec))
	assert.True(t, local.IsBlacklisted("agent-x"))

	// Idempotent re-ingest of the exact record.
	v := local.Version()
	require.NoError(t, local.IngestRemote(rec))
	assert.Equal(t, v, local.Version())

	// Scenario S4: mutating the reason while keeping the event id breaks
	// the recomputed hash.
	tampered := rec
	tampered.Reason = "something else"
	err = local.IngestRemote(tampered)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// Missing reporter signature for a signed reason code. The hash is
	// re-sealed so the integrity check passes and the signature rule is
	// what rejects it.
	unsigned := rec
	unsigned.EventID = "other-event"
	unsigned.ReporterSignature = ""
	unsigned.ReporterPublicKey = ""
	unsigned.EventHash = cryptoutil.HashSHA256Hex(unsigned.canonicalBytes())
	err = local.IngestRemote(unsigned)
	assert.ErrorIs(t, err, ErrReporterSignature)

	// Bad reason code.
	badReason := rec
	badReason.ReasonCode = "nope"
	assert.ErrorIs(t, local.IngestRemote(badReason), ErrInvalidPayload)
}

func TestIngestRemote_OlderRecordDoesNotRegress(t *testing.T) {
	remote, _ := newTestChain(t)
	local, _ := newTestChain(t)

	var now int64 = 1_000_000
	remote.SetClock(func() int64 { return now })

	old, err := remote.Append(AppendInput{AgentID: "agent-x", ReasonCode: ReasonManualReview, Reason: "first", EvidenceHashSha256: evidenceHash("e1")})
	require.NoError(t, err)
	now += 60_000
	newer, err := remote.Append(AppendInput{AgentID: "agent-x", ReasonCode: ReasonManualReview, Reason: "second", EvidenceHashSha256: evidenceHash("e2")})
	require.NoError(t, err)

	require.NoError(t, local.IngestRemote(newer))
	v := local.Version()
	require.NoError(t, local.IngestRemote(old), "older records are ignored, not errors")
	assert.Equal(t, v, local.Version())
}

func TestIsBlacklisted_LazyExpiry(t *testing.T) {
	chain, _ := newTestChain(t)
	var now int64 = 1_000_000
	chain.SetClock(func() int64 { return now })

	_, err := chain.Append(AppendInput{
		AgentID:            "agent-x",
		ReasonCode:         ReasonDosBehavior,
		Reason:             "request storm",
		EvidenceHashSha256: evidenceHash("e"),
		ExpiresAtMs:        now + 10_000,
	})
	require.NoError(t, err)

	assert.True(t, chain.IsBlacklisted("agent-x"))
	v := chain.Version()

	now += 10_001
	assert.False(t, chain.IsBlacklisted("agent-x"), "expired records are inactive")
	assert.Greater(t, chain.Version(), v, "lazy eviction bumps the version")
}

func TestOnAppend_Broadcasts(t *testing.T) {
	chain, _ := newTestChain(t)
	var got []Record
	chain.OnAppend(func(r Record) { got = append(got, r) })

	_, err := chain.Append(AppendInput{AgentID: "a", ReasonCode: ReasonManualReview, Reason: "r", EvidenceHashSha256: evidenceHash("e")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].AgentID)
}

func TestVerifyChain_BrokenLink(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(AppendInput{AgentID: "a", ReasonCode: ReasonManualReview, Reason: "r", EvidenceHashSha256: evidenceHash("e1")})
	require.NoError(t, err)
	_, err = chain.Append(AppendInput{AgentID: "b", ReasonCode: ReasonManualReview, Reason: "r", EvidenceHashSha256: evidenceHash("e2")})
	require.NoError(t, err)

	records := chain.Records()
	records[1].PrevEventHash = strings.Repeat("0", 64)
	bad, err := VerifyChain(records)
	assert.ErrorIs(t, err, ErrBrokenChain)
	assert.Equal(t, records[1].EventID, bad)
}

func TestAudit(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(AppendInput{AgentID: "a", ReasonCode: ReasonManualReview, Reason: "r", EvidenceHashSha256: evidenceHash("e")})
	require.NoError(t, err)

	entries := chain.Audit(10)
	require.NotEmpty(t, entries)
	assert.Equal(t, "appended", entries[len(entries)-1].Action)
}
