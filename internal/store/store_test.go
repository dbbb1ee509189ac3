package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeswarm/coordinator/internal/economy"
)

func TestMemory_ContributionShares(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RecordContribution(ctx, Contribution{AccountID: "alice", Kind: ContributionTaskComplete, Weight: 5, RecordedAtMs: 100}))
	require.NoError(t, m.RecordContribution(ctx, Contribution{AccountID: "bob", Kind: ContributionTaskComplete, Weight: 2, RecordedAtMs: 200}))
	require.NoError(t, m.RecordContribution(ctx, Contribution{AccountID: "alice", Kind: ContributionOfflineEarn, Weight: 3, RecordedAtMs: 300}))
	// Outside the window.
	require.NoError(t, m.RecordContribution(ctx, Contribution{AccountID: "carol", Kind: ContributionTaskComplete, Weight: 9, RecordedAtMs: 900}))

	shares, err := m.ContributionShares(100, 300)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, economy.ContributionShare{AccountID: "alice", WeightedContribution: 8}, shares[0])
	assert.Equal(t, economy.ContributionShare{AccountID: "bob", WeightedContribution: 2}, shares[1])
}

func TestMemory_PendingIntents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SavePaymentIntent(ctx, economy.PaymentIntent{IntentID: "i1", Status: economy.IntentCreated}))
	require.NoError(t, m.SavePaymentIntent(ctx, economy.PaymentIntent{IntentID: "i2", Status: economy.IntentSettled}))

	pending, err := m.LoadPendingIntents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i1", pending[0].IntentID)

	// Settling flips the mirror row out of the pending set.
	require.NoError(t, m.SavePaymentIntent(ctx, economy.PaymentIntent{IntentID: "i1", Status: economy.IntentSettled}))
	pending, err = m.LoadPendingIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMirror_RetriesFailedWrites(t *testing.T) {
	m := NewMirror(NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	m.Enqueue("flaky", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("write was not retried")
	}
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}
