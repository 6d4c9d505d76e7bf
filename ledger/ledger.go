// Package ledger keeps account/currency balances with atomic adjustment
// primitives and four-legged trade settlement. Exclusion is per
// (account, currency); multi-wallet operations acquire their locks in
// lexicographic key order so concurrent settlements cannot deadlock.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"securetrade/domain/order"
)

type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindLock       Kind = "lock"
	KindUnlock     Kind = "unlock"
)

var (
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")
	ErrUnknownAdjustment   = errors.New("unknown adjustment kind")
)

// Balance is a point-in-time view of one wallet.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// Entry is an immutable audit record appended for every adjustment.
// Available and Locked capture the wallet after the adjustment applied.
type Entry struct {
	Seq       uint64          `json:"seq"`
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Kind      Kind            `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	At        time.Time       `json:"at"`
}

type wallet struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// Ledger owns every wallet of the process. Wallets are created on first
// touch with zero balances.
type Ledger struct {
	mu      sync.Mutex // guards wallets map, not balances
	wallets map[walletKey]*wallet

	auditMu  sync.Mutex
	audit    []Entry
	auditSeq uint64

	now func() time.Time
}

type walletKey struct {
	account  string
	currency string
}

func (k walletKey) less(o walletKey) bool {
	if k.account != o.account {
		return k.account < o.account
	}
	return k.currency < o.currency
}

func New() *Ledger {
	return &Ledger{
		wallets: make(map[walletKey]*wallet),
		now:     time.Now,
	}
}

func (l *Ledger) get(k walletKey) *wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[k]
	if !ok {
		w = &wallet{available: decimal.Zero, locked: decimal.Zero}
		l.wallets[k] = w
	}
	return w
}

// Adjust applies a single-wallet balance change. Withdrawal, lock and
// unlock fail with no effect when the source side is short.
func (l *Ledger) Adjust(accountID, currency string, amount decimal.Decimal, kind Kind) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}

	w := l.get(walletKey{accountID, currency})
	w.mu.Lock()
	defer w.mu.Unlock()

	switch kind {
	case KindDeposit:
		w.available = w.available.Add(amount)
	case KindWithdrawal:
		if w.available.LessThan(amount) {
			return ErrInsufficientBalance
		}
		w.available = w.available.Sub(amount)
	case KindLock:
		if w.available.LessThan(amount) {
			return ErrInsufficientBalance
		}
		w.available = w.available.Sub(amount)
		w.locked = w.locked.Add(amount)
	case KindUnlock:
		if w.locked.LessThan(amount) {
			return ErrInsufficientLocked
		}
		w.locked = w.locked.Sub(amount)
		w.available = w.available.Add(amount)
	default:
		return ErrUnknownAdjustment
	}

	l.record(accountID, currency, kind, amount, w)
	return nil
}

// Balance returns the current view of one wallet.
func (l *Ledger) Balance(accountID, currency string) Balance {
	w := l.get(walletKey{accountID, currency})
	w.mu.Lock()
	defer w.mu.Unlock()
	return Balance{Available: w.available, Locked: w.locked}
}

// Balances returns every wallet of an account keyed by currency.
func (l *Ledger) Balances(accountID string) map[string]Balance {
	l.mu.Lock()
	keys := make([]walletKey, 0, 4)
	for k := range l.wallets {
		if k.account == accountID {
			keys = append(keys, k)
		}
	}
	l.mu.Unlock()

	out := make(map[string]Balance, len(keys))
	for _, k := range keys {
		out[k.currency] = l.Balance(k.account, k.currency)
	}
	return out
}

// ShortfallError identifies the party whose wallet could not cover its
// settlement leg. Callers use the account to decide which order to fail.
type ShortfallError struct {
	AccountID string
	Currency  string
	Err       error
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("settlement shortfall for %s in %s: %v", e.AccountID, e.Currency, e.Err)
}

func (e *ShortfallError) Unwrap() error { return e.Err }

// Party describes one side of a settlement. Reserved means the party's
// debit was locked at admission; LockPrice is the buy-side reservation
// price used to release the reservation for the traded quantity.
type Party struct {
	AccountID string
	Reserved  bool
	LockPrice decimal.Decimal
}

// SettleTrade moves funds for one trade as a unit: the buyer pays
// qty*price+fee in quote and receives qty in base; the seller pays qty in
// base and receives qty*price-fee in quote. All four legs are checked
// before any of them applies, so a failure leaves every wallet untouched.
func (l *Ledger) SettleTrade(buyer, seller Party, sym order.Symbol, qty, price, fee decimal.Decimal) error {
	if !qty.IsPositive() || !price.IsPositive() {
		return ErrNonPositiveAmount
	}

	notional := qty.Mul(price)
	cost := notional.Add(fee)
	proceeds := notional.Sub(fee)

	buyerQuote := walletKey{buyer.AccountID, sym.Quote}
	buyerBase := walletKey{buyer.AccountID, sym.Base}
	sellerBase := walletKey{seller.AccountID, sym.Base}
	sellerQuote := walletKey{seller.AccountID, sym.Quote}

	unlock := l.lockAll(buyerQuote, buyerBase, sellerBase, sellerQuote)
	defer unlock()

	bq := l.get(buyerQuote)
	bb := l.get(buyerBase)
	sb := l.get(sellerBase)
	sq := l.get(sellerQuote)

	// Check phase. Reservations release for the traded quantity first,
	// then the debit draws on available.
	buyerAvail := bq.available
	buyerLocked := bq.locked
	if buyer.Reserved {
		release := qty.Mul(buyer.LockPrice)
		if buyerLocked.LessThan(release) {
			return &ShortfallError{buyer.AccountID, sym.Quote, ErrInsufficientLocked}
		}
		buyerLocked = buyerLocked.Sub(release)
		buyerAvail = buyerAvail.Add(release)
	}
	if buyerAvail.LessThan(cost) {
		return &ShortfallError{buyer.AccountID, sym.Quote, ErrInsufficientBalance}
	}

	sellerAvail := sb.available
	sellerLocked := sb.locked
	if seller.Reserved {
		if sellerLocked.LessThan(qty) {
			return &ShortfallError{seller.AccountID, sym.Base, ErrInsufficientLocked}
		}
		sellerLocked = sellerLocked.Sub(qty)
		sellerAvail = sellerAvail.Add(qty)
	}
	if sellerAvail.LessThan(qty) {
		return &ShortfallError{seller.AccountID, sym.Base, ErrInsufficientBalance}
	}

	// Apply phase. Nothing below can fail.
	if buyer.Reserved {
		release := qty.Mul(buyer.LockPrice)
		bq.locked = bq.locked.Sub(release)
		bq.available = bq.available.Add(release)
		l.record(buyer.AccountID, sym.Quote, KindUnlock, release, bq)
	}
	bq.available = bq.available.Sub(cost)
	l.record(buyer.AccountID, sym.Quote, KindWithdrawal, cost, bq)
	bb.available = bb.available.Add(qty)
	l.record(buyer.AccountID, sym.Base, KindDeposit, qty, bb)

	if seller.Reserved {
		sb.locked = sb.locked.Sub(qty)
		sb.available = sb.available.Add(qty)
		l.record(seller.AccountID, sym.Base, KindUnlock, qty, sb)
	}
	sb.available = sb.available.Sub(qty)
	l.record(seller.AccountID, sym.Base, KindWithdrawal, qty, sb)
	sq.available = sq.available.Add(proceeds)
	l.record(seller.AccountID, sym.Quote, KindDeposit, proceeds, sq)

	return nil
}

// History returns up to limit audit entries for an account, newest first.
func (l *Ledger) History(accountID string, limit int) []Entry {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()

	out := make([]Entry, 0, limit)
	for i := len(l.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if l.audit[i].AccountID == accountID {
			out = append(out, l.audit[i])
		}
	}
	return out
}

// lockAll acquires the distinct wallets' locks in lexicographic key order
// and returns a release function. Wallets are created as needed first.
func (l *Ledger) lockAll(keys ...walletKey) func() {
	uniq := keys[:0:0]
	for _, k := range keys {
		dup := false
		for _, u := range uniq {
			if u == k {
				dup = true
				break
			}
		}
		if !dup {
			uniq = append(uniq, k)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].less(uniq[j]) })

	ws := make([]*wallet, len(uniq))
	for i, k := range uniq {
		ws[i] = l.get(k)
	}
	for _, w := range ws {
		w.mu.Lock()
	}
	return func() {
		for i := len(ws) - 1; i >= 0; i-- {
			ws[i].mu.Unlock()
		}
	}
}

// record appends an audit entry; callers hold the wallet lock.
func (l *Ledger) record(accountID, currency string, kind Kind, amount decimal.Decimal, w *wallet) {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	l.auditSeq++
	l.audit = append(l.audit, Entry{
		Seq:       l.auditSeq,
		AccountID: accountID,
		Currency:  currency,
		Kind:      kind,
		Amount:    amount,
		Available: w.available,
		Locked:    w.locked,
		At:        l.now(),
	})
}
