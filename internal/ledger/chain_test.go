package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeswarm/coordinator/internal/cryptoutil"
)

func newTestChain(t *testing.T) (*OrderingChain, *cryptoutil.Signer) {
	t.Helper()
	signer, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	return NewOrderingChain("coord-test", signer), signer
}

func TestOrderingChain_AppendLinksAndSigns(t *testing.T) {
	chain, signer := newTestChain(t)

	r0 := chain.Append(AppendInput{EventType: EventTaskEnqueue, TaskID: "T1", ActorID: "submitter"})
	r1 := chain.Append(AppendInput{EventType: EventTaskClaim, TaskID: "T1", SubtaskID: "S1", ActorID: "agent-a"})
	r2 := chain.Append(AppendInput{EventType: EventTaskComplete, TaskID: "T1", SubtaskID: "S1", ActorID: "agent-a"})

	assert.Equal(t, GenesisHash, r0.PrevHash)
	assert.Equal(t, r0.Hash, r1.PrevHash)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.Equal(t, int64(0), r0.Sequence)
	assert.Equal(t, int64(1), r1.Sequence)
	assert.Equal(t, int64(2), r2.Sequence)

	res := Verify(chain.Snapshot(), signer.PublicKeyHex())
	assert.True(t, res.OK, "freshly built chain must verify: %s", res.Reason)
}

func TestVerify_TamperEvident(t *testing.T) {
	chain, signer := newTestChain(t)
	chain.Append(AppendInput{EventType: EventTaskEnqueue, TaskID: "T1", ActorID: "a"})
	chain.Append(AppendInput{EventType: EventTaskClaim, TaskID: "T1", SubtaskID: "S1", ActorID: "a"})
	chain.Append(AppendInput{EventType: EventEarningsAccrual, TaskID: "T1", ActorID: "a", PayloadJSON: `{"credits":5}`})

	pub := signer.PublicKeyHex()

	// Mutating any field of any record breaks verification.
	mutations := []func(r *Record){
		func(r *Record) { r.TaskID = "T2" },
		func(r *Record) { r.ActorID = "mallory" },
		func(r *Record) { r.PayloadJSON = `{"credits":5000}` },
		func(r *Record) { r.EventType = EventTaskComplete },
		func(r *Record) { r.IssuedAtMs++ },
		func(r *Record) { r.Sequence++ },
	}

	for i := range mutations {
		for pos := 0; pos < 3; pos++ {
			snap := chain.Snapshot()
			mutations[i](&snap[pos])
			res := Verify(snap, pub)
			assert.False(t, res.OK, "mutation %d at record %d must break verification", i, pos)
		}
	}

	// Re-hashing a mutated record without re-signing still fails: the
	// signature no longer covers the new hash.
	snap := chain.Snapshot()
	snap[1].PayloadJSON = `{"credits":9999}`
	snap[1].Hash = cryptoutil.HashSHA256Hex(snap[1].canonicalBytes())
	res := Verify(snap, pub)
	assert.False(t, res.OK)
	assert.Equal(t, VerifyBadSignature, res.Reason)
}

func TestVerify_ReasonCodes(t *testing.T) {
	chain, signer := newTestChain(t)
	chain.Append(AppendInput{EventType: EventTaskEnqueue, TaskID: "T1", ActorID: "a"})
	chain.Append(AppendInput{EventType: EventTaskClaim, TaskID: "T1", SubtaskID: "S1", ActorID: "a"})
	pub := signer.PublicKeyHex()

	snap := chain.Snapshot()
	snap[0].PrevHash = "not-genesis"
	res := Verify(snap, pub)
	assert.Equal(t, VerifyBadGenesis, res.Reason)

	snap = chain.Snapshot()
	snap[1].PrevHash = "broken"
	res = Verify(snap, pub)
	assert.Equal(t, VerifyBrokenLink, res.Reason)
	assert.Equal(t, int64(1), res.Sequence, "reason must name the first offending record")

	res = Verify(chain.Snapshot(), "abcd")
	assert.Equal(t, VerifyBadSignature, res.Reason)
}

func TestVerify_EmptyChain(t *testing.T) {
	signer, err := cryptoutil.NewSigner()
	require.NoError(t, err)
	res := Verify(nil, signer.PublicKeyHex())
	assert.True(t, res.OK)
}

func TestCountClaims(t *testing.T) {
	chain, _ := newTestChain(t)
	chain.Append(AppendInput{EventType: EventTaskClaim, TaskID: "T1", SubtaskID: "S1", ActorID: "a"})
	chain.Append(AppendInput{EventType: EventTaskClaim, TaskID: "T1", SubtaskID: "S2", ActorID: "b"})
	chain.Append(AppendInput{EventType: EventTaskComplete, TaskID: "T1", SubtaskID: "S1", ActorID: "a"})

	snap := chain.Snapshot()
	assert.Equal(t, 1, CountClaims(snap, "S1"))
	assert.Equal(t, 1, CountClaims(snap, "S2"))
	assert.Equal(t, 0, CountClaims(snap, "S3"))
}
