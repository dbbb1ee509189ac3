package store

import (
	"context"
	"sync"

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/queue"
)

// Memory is the in-process store used when no DATABASE_URL is
// configured, and in tests.
type Memory struct {
	mu             sync.Mutex
	ledgerRecords  map[string]ledger.Record
	blacklistRecs  map[string]blacklist.Record
	priceEpochs    map[string]economy.PriceEpoch
	issuanceEpochs map[string]economy.IssuanceEpoch
	intents        map[string]economy.PaymentIntent
	results        map[string]queue.Result
	contributions  []Contribution
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ledgerRecords:  make(map[string]ledger.Record),
		blacklistRecs:  make(map[string]blacklist.Record),
		priceEpochs:    make(map[string]economy.PriceEpoch),
		issuanceEpochs: make(map[string]economy.IssuanceEpoch),
		intents:        make(map[string]economy.PaymentIntent),
		results:        make(map[string]queue.Result),
	}
}

func (m *Memory) SaveLedgerRecord(_ context.Context, rec ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerRecords[rec.ID] = rec
	return nil
}

func (m *Memory) SaveBlacklistRecord(_ context.Context, rec blacklist.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklistRecs[rec.EventID] = rec
	return nil
}

func (m *Memory) SavePriceEpoch(_ context.Context, epoch economy.PriceEpoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceEpochs[epoch.ResourceClass] = epoch
	return nil
}

func (m *Memory) SaveIssuanceEpoch(_ context.Context, epoch economy.IssuanceEpoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issuanceEpochs[epoch.IssuanceEpochID] = epoch
	return nil
}

func (m *Memory) SavePaymentIntent(_ context.Context, intent economy.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intent.IntentID] = intent
	return nil
}

func (m *Memory) SaveResult(_ context.Context, result queue.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.SubtaskID] = result
	return nil
}

func (m *Memory) RecordContribution(_ context.Context, c Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contributions = append(m.contributions, c)
	return nil
}

func (m *Memory) ContributionShares(windowStartMs, windowEndMs int64) ([]economy.ContributionShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := make(map[string]float64)
	var order []string
	for _, c := range m.contributions {
		if c.RecordedAtMs < windowStartMs || c.RecordedAtMs > windowEndMs {
			continue
		}
		if _, ok := totals[c.AccountID]; !ok {
			order = append(order, c.AccountID)
		}
		totals[c.AccountID] += c.Weight
	}
	out := make([]economy.ContributionShare, 0, len(order))
	for _, accountID := range order {
		out = append(out, economy.ContributionShare{AccountID: accountID, WeightedContribution: totals[accountID]})
	}
	return out, nil
}

func (m *Memory) LoadBlacklistRecords(context.Context) ([]blacklist.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]blacklist.Record, 0, len(m.blacklistRecs))
	for _, rec := range m.blacklistRecs {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) LoadPriceEpochs(context.Context) ([]economy.PriceEpoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]economy.PriceEpoch, 0, len(m.priceEpochs))
	for _, epoch := range m.priceEpochs {
		out = append(out, epoch)
	}
	return out, nil
}

func (m *Memory) LoadPendingIntents(context.Context) ([]economy.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]economy.PaymentIntent, 0)
	for _, intent := range m.intents {
		if intent.Status == economy.IntentCreated {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
