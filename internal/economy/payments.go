package economy

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payment defaults.
const (
	DefaultCoordinatorFeeBps = 150
	DefaultIntentTTLMs       = 900_000
)

// Intent statuses.
const (
	IntentCreated = "created"
	IntentSettled = "settled"
	IntentExpired = "expired"
)

// Payment-path errors.
var (
	ErrIntentNotFound = errors.New("intent_not_found")
	ErrIntentExpired  = errors.New("intent_expired")
	ErrDuplicateTxRef = errors.New("duplicate_tx_ref_rejected")
)

// PaymentIntent is one purchase of credits.
type PaymentIntent struct {
	IntentID           string `json:"intent_id"`
	AccountID          string `json:"account_id"`
	CoordinatorID      string `json:"coordinator_id"`
	WalletType         string `json:"wallet_type"`
	Network            string `json:"network"`
	InvoiceRef         string `json:"invoice_ref"`
	AmountSats         int64  `json:"amount_sats"`
	CoordinatorFeeBps  int64  `json:"coordinator_fee_bps"`
	CoordinatorFeeSats int64  `json:"coordinator_fee_sats"`
	NetSats            int64  `json:"net_sats"`
	QuotedCredits      int64  `json:"quoted_credits"`
	Status             string `json:"status"`
	CreatedAtMs        int64  `json:"created_at_ms"`
	SettledAtMs        int64  `json:"settled_at_ms,omitempty"`
	TxRef              string `json:"tx_ref,omitempty"`
}

// InvoiceProvider is the abstract payment backend.
type InvoiceProvider interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (invoiceRef string, err error)
	CheckSettlement(ctx context.Context, invoiceRef string) (settled bool, txRef string, err error)
}

// PayoutSplit divides settled value between contributors, the
// coordinator, and the reserve. Shares sum to 1; coordinator and
// reserve are each clamped to at most 0.5.
type PayoutSplit struct {
	ContributorShare float64 `json:"contributor_share"`
	CoordinatorShare float64 `json:"coordinator_share"`
	ReserveShare     float64 `json:"reserve_share"`
}

// Normalized clamps the coordinator and reserve shares and gives the
// contributor the remainder.
func (s PayoutSplit) Normalized() PayoutSplit {
	if s.CoordinatorShare < 0 {
		s.CoordinatorShare = 0
	}
	if s.CoordinatorShare > 0.5 {
		s.CoordinatorShare = 0.5
	}
	if s.ReserveShare < 0 {
		s.ReserveShare = 0
	}
	if s.ReserveShare > 0.5 {
		s.ReserveShare = 0.5
	}
	s.ContributorShare = 1 - s.CoordinatorShare - s.ReserveShare
	return s
}

// DefaultPayoutSplit is 70/20/10.
func DefaultPayoutSplit() PayoutSplit {
	return PayoutSplit{ContributorShare: 0.7, CoordinatorShare: 0.2, ReserveShare: 0.1}
}

// CoordinatorFeeEvent records the fee retained on one settlement.
type CoordinatorFeeEvent struct {
	EventID       string `json:"event_id"`
	IntentID      string `json:"intent_id"`
	CoordinatorID string `json:"coordinator_id"`
	FeeSats       int64  `json:"fee_sats"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// PayoutEvent records the split distribution of one settlement's net
// value.
type PayoutEvent struct {
	EventID         string  `json:"event_id"`
	IntentID        string  `json:"intent_id"`
	ContributorSats float64 `json:"contributor_sats"`
	CoordinatorSats float64 `json:"coordinator_sats"`
	ReserveSats     float64 `json:"reserve_sats"`
	TimestampMs     int64   `json:"timestamp_ms"`
}

// Payments owns the intent table and the process-wide tx-ref dedup set.
type Payments struct {
	mu         sync.Mutex
	intents    map[string]*PaymentIntent
	seenTxRefs map[string]bool
	feeEvents  []CoordinatorFeeEvent
	payouts    []PayoutEvent

	accounts      *Accounts
	pricing       *Pricing
	provider      InvoiceProvider
	coordinatorID string
	feeBps        int64
	ttlMs         int64
	split         PayoutSplit
	now           func() int64
}

// NewPayments creates the payment engine. feeBps and ttlMs fall back to
// the defaults when non-positive.
func NewPayments(coordinatorID string, accounts *Accounts, pricing *Pricing, provider InvoiceProvider, feeBps, ttlMs int64, split PayoutSplit) *Payments {
	if feeBps <= 0 {
		feeBps = DefaultCoordinatorFeeBps
	}
	if ttlMs <= 0 {
		ttlMs = DefaultIntentTTLMs
	}
	return &Payments{
		intents:       make(map[string]*PaymentIntent),
		seenTxRefs:    make(map[string]bool),
		accounts:      accounts,
		pricing:       pricing,
		provider:      provider,
		coordinatorID: coordinatorID,
		feeBps:        feeBps,
		ttlMs:         ttlMs,
		split:         split.Normalized(),
		now:           func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the payment clock. Test hook.
func (p *Payments) SetClock(now func() int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// CreateIntent quotes credits at the current cpu price, requests an
// invoice from the provider (I/O, lock not held), and persists the
// intent as created.
func (p *Payments) CreateIntent(ctx context.Context, accountID, walletType string, amountSats int64) (PaymentIntent, error) {
	feeSats := amountSats * p.feeBps / 10_000
	netSats := amountSats - feeSats
	satsPerCredit := p.pricing.SatsPerCredit()
	quotedCredits := int64(math.Floor(float64(netSats) / satsPerCredit))

	invoiceRef, err := p.provider.CreateInvoice(ctx, amountSats, "credit purchase "+accountID)
	if err != nil {
		return PaymentIntent{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	intent := &PaymentIntent{
		IntentID:           uuid.New().String(),
		AccountID:          accountID,
		CoordinatorID:      p.coordinatorID,
		WalletType:         walletType,
		Network:            "lightning",
		InvoiceRef:         invoiceRef,
		AmountSats:         amountSats,
		CoordinatorFeeBps:  p.feeBps,
		CoordinatorFeeSats: feeSats,
		NetSats:            netSats,
		QuotedCredits:      quotedCredits,
		Status:             IntentCreated,
		CreatedAtMs:        p.now(),
	}
	p.intents[intent.IntentID] = intent
	return *intent, nil
}

// Settle credits the quoted amount to the account exactly once per
// txRef. A txRef already in the dedup set fails with
// duplicate_tx_ref_rejected and changes nothing.
func (p *Payments) Settle(intentID, txRef string) (PaymentIntent, error) {
	p.mu.Lock()

	intent, ok := p.intents[intentID]
	if !ok {
		p.mu.Unlock()
		return PaymentIntent{}, ErrIntentNotFound
	}
	if p.seenTxRefs[txRef] {
		p.mu.Unlock()
		return PaymentIntent{}, ErrDuplicateTxRef
	}
	switch intent.Status {
	case IntentExpired:
		p.mu.Unlock()
		return PaymentIntent{}, ErrIntentExpired
	case IntentSettled:
		p.mu.Unlock()
		return PaymentIntent{}, ErrDuplicateTxRef
	}

	now := p.now()
	p.seenTxRefs[txRef] = true
	intent.Status = IntentSettled
	intent.SettledAtMs = now
	intent.TxRef = txRef

	p.feeEvents = append(p.feeEvents, CoordinatorFeeEvent{
		EventID:       uuid.New().String(),
		IntentID:      intent.IntentID,
		CoordinatorID: p.coordinatorID,
		FeeSats:       intent.CoordinatorFeeSats,
		TimestampMs:   now,
	})
	net := float64(intent.NetSats)
	p.payouts = append(p.payouts, PayoutEvent{
		EventID:         uuid.New().String(),
		IntentID:        intent.IntentID,
		ContributorSats: net * p.split.ContributorShare,
		CoordinatorSats: net * p.split.CoordinatorShare,
		ReserveSats:     net * p.split.ReserveShare,
		TimestampMs:     now,
	})
	settled := *intent
	p.mu.Unlock()

	p.accounts.CreditPurchased(settled.AccountID, float64(settled.QuotedCredits))
	logger.Printf("intent %s settled: %d credits to %s (fee %d sats)", settled.IntentID, settled.QuotedCredits, settled.AccountID, settled.CoordinatorFeeSats)
	return settled, nil
}

// Get returns one intent by id.
func (p *Payments) Get(intentID string) (PaymentIntent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if intent, ok := p.intents[intentID]; ok {
		return *intent, true
	}
	return PaymentIntent{}, false
}

// Reconcile walks pending intents: TTL-expired ones flip to expired,
// the rest are polled against the provider. Provider calls run without
// the lock.
func (p *Payments) Reconcile(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	type pending struct{ intentID, invoiceRef string }
	var toPoll []pending
	for _, intent := range p.intents {
		if intent.Status != IntentCreated {
			continue
		}
		if now-intent.CreatedAtMs > p.ttlMs {
			intent.Status = IntentExpired
			continue
		}
		toPoll = append(toPoll, pending{intent.IntentID, intent.InvoiceRef})
	}
	p.mu.Unlock()

	for _, item := range toPoll {
		settled, txRef, err := p.provider.CheckSettlement(ctx, item.invoiceRef)
		if err != nil {
			logger.Printf("reconcile: settlement check for %s failed: %v", item.intentID, err)
			continue
		}
		if !settled {
			continue
		}
		if _, err := p.Settle(item.intentID, txRef); err != nil && !errors.Is(err, ErrDuplicateTxRef) {
			logger.Printf("reconcile: settle %s: %v", item.intentID, err)
		}
	}
}

// Restore loads persisted pending intents on startup so reconcile can
// keep polling them across restarts. Settled tx refs re-enter the dedup
// set; already-known intent ids are skipped.
func (p *Payments) Restore(intents []PaymentIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, intent := range intents {
		intent := intent
		if _, ok := p.intents[intent.IntentID]; ok {
			continue
		}
		p.intents[intent.IntentID] = &intent
		if intent.TxRef != "" {
			p.seenTxRefs[intent.TxRef] = true
		}
	}
}

// FeeEvents returns a copy of the coordinator fee history.
func (p *Payments) FeeEvents() []CoordinatorFeeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CoordinatorFeeEvent, len(p.feeEvents))
	copy(out, p.feeEvents)
	return out
}

// PayoutEvents returns a copy of the payout history.
func (p *Payments) PayoutEvents() []PayoutEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PayoutEvent, len(p.payouts))
	copy(out, p.payouts)
	return out
}
