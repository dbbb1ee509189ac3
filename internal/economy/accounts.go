// Package economy implements the credit economy: account balances and
// the contribute-first gate, dynamic pricing with weighted-median peer
// consensus, rolling-window issuance with quorum-finalized epochs,
// payment intents with idempotent settlement, treasury policy, and the
// offline ledger sync path.
package economy

import (
	"errors"
	"sync"
	"time"
)

// RewardCredits is accrued to an agent's reward account for each
// completed subtask.
const RewardCredits = 5

// Contribute-first defaults.
const (
	DefaultContributionBurstCredits = 50
	DefaultMinContributionRatio     = 0.1
)

// Policy errors on the submission path.
var (
	ErrContributeFirst     = errors.New("contribute_first_required")
	ErrInsufficientCredits = errors.New("insufficient_credits")
)

// Account tracks one participant's credit position. Earned and Spent
// are lifetime counters feeding the contribute-first ratio.
type Account struct {
	AccountID   string  `json:"account_id"`
	Balance     float64 `json:"balance"`
	Earned      float64 `json:"earned"`
	Spent       float64 `json:"spent"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// Accounts is the in-memory account table.
type Accounts struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	now      func() int64
}

// NewAccounts creates an empty account table.
func NewAccounts() *Accounts {
	return &Accounts{
		accounts: make(map[string]*Account),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the account clock. Test hook.
func (a *Accounts) SetClock(now func() int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *Accounts) getLocked(accountID string) *Account {
	acct, ok := a.accounts[accountID]
	if !ok {
		acct = &Account{AccountID: accountID}
		a.accounts[accountID] = acct
	}
	return acct
}

// CreditEarned adds contribution earnings: balance and the lifetime
// earned counter both grow.
func (a *Accounts) CreditEarned(accountID string, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.getLocked(accountID)
	acct.Balance += amount
	acct.Earned += amount
	acct.UpdatedAtMs = a.now()
}

// CreditPurchased adds purchased credits (payment settlement). The
// earned counter is untouched so purchases do not satisfy the
// contribute-first ratio.
func (a *Accounts) CreditPurchased(accountID string, amount float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.getLocked(accountID)
	acct.Balance += amount
	acct.UpdatedAtMs = a.now()
}

// Debit removes credits, failing when the balance cannot cover it.
func (a *Accounts) Debit(accountID string, amount float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.getLocked(accountID)
	if acct.Balance < amount {
		return ErrInsufficientCredits
	}
	acct.Balance -= amount
	acct.Spent += amount
	acct.UpdatedAtMs = a.now()
	return nil
}

// Get returns a copy of the account record.
func (a *Accounts) Get(accountID string) (Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[accountID]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

// Balance returns the current balance, zero for unknown accounts.
func (a *Accounts) Balance(accountID string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if acct, ok := a.accounts[accountID]; ok {
		return acct.Balance
	}
	return 0
}

// AuthorizeSubmission applies the contribute-first policy and, on
// success, debits one credit. Anonymous submitters skip the gate. A
// balance at or above burstCredits bypasses the ratio check; below it,
// the lifetime earned/spent ratio must reach minRatio — accounts that
// have never spent pass only if they have earned.
func (a *Accounts) AuthorizeSubmission(accountID string, burstCredits, minRatio float64) error {
	if accountID == "" || accountID == "anonymous" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	acct := a.getLocked(accountID)

	if acct.Balance < burstCredits {
		ratioOK := false
		if acct.Spent == 0 {
			ratioOK = acct.Earned > 0
		} else {
			ratioOK = acct.Earned/acct.Spent >= minRatio
		}
		if !ratioOK {
			return ErrContributeFirst
		}
	}

	if acct.Balance < 1 {
		return ErrInsufficientCredits
	}
	acct.Balance--
	acct.Spent++
	acct.UpdatedAtMs = a.now()
	return nil
}
