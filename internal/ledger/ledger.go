package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nathanyu/securities-exchange/internal/domain"
)

// accountKey identifies one (user, asset) balance entry.
type accountKey struct {
	user  string
	asset string
}

// account holds the available and reserved amounts for one (user, asset)
// pair. Both are always >= 0; available + reserved changes only through
// deposit, withdraw, reserve, release and settle.
type account struct {
	mu        sync.Mutex
	available int64
	reserved  int64
}

// Ledger tracks balances for every (user, asset) pair. It is shared
// across instruments and locks at account granularity, so settlements in
// different instruments for different users never contend.
type Ledger struct {
	mu       sync.RWMutex // guards the accounts map, not the amounts
	accounts map[accountKey]*account
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[accountKey]*account),
	}
}

// getOrCreate returns the account for (user, asset), creating it lazily.
func (l *Ledger) getOrCreate(user, asset string) *account {
	key := accountKey{user: user, asset: asset}

	l.mu.RLock()
	acct, ok := l.accounts[key]
	l.mu.RUnlock()
	if ok {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok = l.accounts[key]; ok {
		return acct
	}
	acct = &account{}
	l.accounts[key] = acct
	return acct
}

// Deposit credits amount to the user's available balance. Cannot fail for
// a positive amount.
func (l *Ledger) Deposit(user, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", domain.ErrInvalidOrder)
	}

	acct := l.getOrCreate(user, asset)
	acct.mu.Lock()
	acct.available += amount
	acct.mu.Unlock()
	return nil
}

// Withdraw debits amount from the user's available balance.
func (l *Ledger) Withdraw(user, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", domain.ErrInvalidOrder)
	}

	acct := l.getOrCreate(user, asset)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.available < amount {
		return fmt.Errorf("%w: have %d %s available, need %d",
			domain.ErrInsufficientBalance, acct.available, asset, amount)
	}
	acct.available -= amount
	return nil
}

// Reserve moves amount from available to reserved, earmarking it against
// a working order.
func (l *Ledger) Reserve(user, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: reserve amount must be positive", domain.ErrInvalidOrder)
	}

	acct := l.getOrCreate(user, asset)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.available < amount {
		return fmt.Errorf("%w: have %d %s available, need %d",
			domain.ErrInsufficientBalance, acct.available, asset, amount)
	}
	acct.available -= amount
	acct.reserved += amount
	return nil
}

// Release moves amount from reserved back to available. A release that
// exceeds the reservation indicates a caller bug.
func (l *Ledger) Release(user, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: release amount must be positive", domain.ErrInvalidOrder)
	}

	acct := l.getOrCreate(user, asset)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.reserved < amount {
		return fmt.Errorf("%w: release of %d %s exceeds reservation %d for user %s",
			domain.ErrInvariantViolation, amount, asset, acct.reserved, user)
	}
	acct.reserved -= amount
	acct.available += amount
	return nil
}

// Settlement describes the four-way fund movement of one trade: the
// seller's reserved asset goes to the buyer's available balance, and the
// buyer's reserved quote currency goes to the seller's available balance.
type Settlement struct {
	Buyer    string
	Seller   string
	Asset    string
	Quote    string
	Quantity int64 // asset units, seller -> buyer
	Cost     int64 // quote units (quantity x trade price), buyer -> seller
}

// Settle applies a settlement atomically: all four legs or none. The
// involved accounts are locked in a fixed global (user, asset) order to
// prevent deadlock between concurrently settling trades that share a
// user. A leg that would break an invariant rejects the whole settlement
// with ErrInvariantViolation and leaves every balance unchanged.
func (l *Ledger) Settle(s Settlement) error {
	if s.Quantity <= 0 || s.Cost < 0 {
		return fmt.Errorf("%w: settlement qty=%d cost=%d", domain.ErrInvariantViolation, s.Quantity, s.Cost)
	}

	sellerAsset := l.getOrCreate(s.Seller, s.Asset)
	buyerAsset := l.getOrCreate(s.Buyer, s.Asset)
	buyerQuote := l.getOrCreate(s.Buyer, s.Quote)
	sellerQuote := l.getOrCreate(s.Seller, s.Quote)

	keyed := map[accountKey]*account{
		{s.Seller, s.Asset}: sellerAsset,
		{s.Buyer, s.Asset}:  buyerAsset,
		{s.Buyer, s.Quote}:  buyerQuote,
		{s.Seller, s.Quote}: sellerQuote,
	}
	keys := make([]accountKey, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		return keys[i].asset < keys[j].asset
	})

	for _, k := range keys {
		keyed[k].mu.Lock()
	}
	defer func() {
		for i := len(keys) - 1; i >= 0; i-- {
			keyed[keys[i]].mu.Unlock()
		}
	}()

	// Verify every leg before touching anything.
	if sellerAsset.reserved < s.Quantity {
		return fmt.Errorf("%w: seller %s reserved %d %s, settlement needs %d",
			domain.ErrInvariantViolation, s.Seller, sellerAsset.reserved, s.Asset, s.Quantity)
	}
	if buyerQuote.reserved < s.Cost {
		return fmt.Errorf("%w: buyer %s reserved %d %s, settlement needs %d",
			domain.ErrInvariantViolation, s.Buyer, buyerQuote.reserved, s.Quote, s.Cost)
	}

	sellerAsset.reserved -= s.Quantity
	buyerAsset.available += s.Quantity
	buyerQuote.reserved -= s.Cost
	sellerQuote.available += s.Cost
	return nil
}

// Balance returns the available and reserved amounts for (user, asset).
func (l *Ledger) Balance(user, asset string) (available, reserved int64) {
	l.mu.RLock()
	acct, ok := l.accounts[accountKey{user: user, asset: asset}]
	l.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.available, acct.reserved
}

// Balances returns the user's available balances keyed by asset.
func (l *Ledger) Balances(user string) map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(map[string]int64)
	for key, acct := range l.accounts {
		if key.user != user {
			continue
		}
		acct.mu.Lock()
		if acct.available > 0 || acct.reserved > 0 {
			result[key.asset] = acct.available
		}
		acct.mu.Unlock()
	}
	return result
}
