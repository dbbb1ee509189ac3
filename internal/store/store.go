// Package store is the durability mirror. In-memory state is the
// source of truth; the store exists for cross-restart recovery and the
// rolling contribution window reads that issuance needs.
package store

import (
	"context"

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/queue"
)

// Contribution kinds.
const (
	ContributionTaskComplete = "task_complete"
	ContributionOfflineEarn  = "offline_earn"
)

// Contribution is one unit of recorded work feeding the issuance
// window.
type Contribution struct {
	AccountID    string  `json:"account_id"`
	Kind         string  `json:"kind"`
	Weight       float64 `json:"weight"`
	RecordedAtMs int64   `json:"recorded_at_ms"`
}

// Store is the persistence surface. Every write is a mirror of state
// the coordinator already holds in memory.
type Store interface {
	SaveLedgerRecord(ctx context.Context, rec ledger.Record) error
	SaveBlacklistRecord(ctx context.Context, rec blacklist.Record) error
	SavePriceEpoch(ctx context.Context, epoch economy.PriceEpoch) error
	SaveIssuanceEpoch(ctx context.Context, epoch economy.IssuanceEpoch) error
	SavePaymentIntent(ctx context.Context, intent economy.PaymentIntent) error
	SaveResult(ctx context.Context, result queue.Result) error
	RecordContribution(ctx context.Context, c Contribution) error

	// ContributionShares satisfies economy.ContributionSource.
	ContributionShares(windowStartMs, windowEndMs int64) ([]economy.ContributionShare, error)

	LoadBlacklistRecords(ctx context.Context) ([]blacklist.Record, error)
	LoadPriceEpochs(ctx context.Context) ([]economy.PriceEpoch, error)
	LoadPendingIntents(ctx context.Context) ([]economy.PaymentIntent, error)

	Close() error
}
