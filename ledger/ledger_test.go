package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrade/domain/order"
)

var btcusdt = order.Symbol{Name: "BTCUSDT", Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAdjustDeposit(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("alice", "USDT", d("100"), KindDeposit))

	b := l.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("100")))
	assert.True(t, b.Locked.IsZero())
}

func TestAdjustWithdrawalInsufficient(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("alice", "USDT", d("50"), KindDeposit))

	err := l.Adjust("alice", "USDT", d("80"), KindWithdrawal)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// failed withdrawal leaves the wallet untouched
	b := l.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("50")))
}

func TestLockUnlockRoundTrip(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("alice", "USDT", d("100"), KindDeposit))
	require.NoError(t, l.Adjust("alice", "USDT", d("60"), KindLock))

	b := l.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("40")))
	assert.True(t, b.Locked.Equal(d("60")))

	require.ErrorIs(t, l.Adjust("alice", "USDT", d("70"), KindUnlock), ErrInsufficientLocked)
	require.NoError(t, l.Adjust("alice", "USDT", d("60"), KindUnlock))

	b = l.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("100")))
	assert.True(t, b.Locked.IsZero())
}

func TestAdjustRejectsNonPositive(t *testing.T) {
	l := New()
	require.ErrorIs(t, l.Adjust("alice", "USDT", d("0"), KindDeposit), ErrNonPositiveAmount)
	require.ErrorIs(t, l.Adjust("alice", "USDT", d("-5"), KindDeposit), ErrNonPositiveAmount)
}

func TestSettleTradeConservation(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("buyer", "USDT", d("1000"), KindDeposit))
	require.NoError(t, l.Adjust("seller", "BTC", d("2"), KindDeposit))

	qty, price, fee := d("1"), d("100"), d("0.1")
	buyer := Party{AccountID: "buyer"}
	seller := Party{AccountID: "seller"}
	require.NoError(t, l.SettleTrade(buyer, seller, btcusdt, qty, price, fee))

	bq := l.Balance("buyer", "USDT")
	bb := l.Balance("buyer", "BTC")
	sq := l.Balance("seller", "USDT")
	sb := l.Balance("seller", "BTC")

	assert.True(t, bq.Available.Equal(d("899.9")), "buyer pays notional plus fee")
	assert.True(t, bb.Available.Equal(d("1")))
	assert.True(t, sb.Available.Equal(d("1")))
	assert.True(t, sq.Available.Equal(d("99.9")), "seller receives notional minus fee")

	// both fees left the system: total quote dropped by 2*fee
	totalQuote := bq.Total().Add(sq.Total())
	assert.True(t, totalQuote.Equal(d("999.8")))
}

func TestSettleTradeFromReservations(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("buyer", "USDT", d("200"), KindDeposit))
	require.NoError(t, l.Adjust("buyer", "USDT", d("101"), KindLock))
	require.NoError(t, l.Adjust("seller", "BTC", d("1"), KindDeposit))
	require.NoError(t, l.Adjust("seller", "BTC", d("1"), KindLock))

	buyer := Party{AccountID: "buyer", Reserved: true, LockPrice: d("101")}
	seller := Party{AccountID: "seller", Reserved: true}
	require.NoError(t, l.SettleTrade(buyer, seller, btcusdt, d("1"), d("100"), d("0.1")))

	bq := l.Balance("buyer", "USDT")
	assert.True(t, bq.Locked.IsZero(), "reservation fully released")
	// 200 - (100 + 0.1): the price improvement over the lock price is freed
	assert.True(t, bq.Available.Equal(d("99.9")))

	sb := l.Balance("seller", "BTC")
	assert.True(t, sb.Locked.IsZero())
	assert.True(t, sb.Available.IsZero())
}

func TestSettleTradeAtomicOnFailure(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("buyer", "USDT", d("50"), KindDeposit))
	require.NoError(t, l.Adjust("seller", "BTC", d("1"), KindDeposit))

	buyer := Party{AccountID: "buyer"}
	seller := Party{AccountID: "seller"}
	err := l.SettleTrade(buyer, seller, btcusdt, d("1"), d("100"), d("0.1"))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// no leg applied
	assert.True(t, l.Balance("buyer", "USDT").Available.Equal(d("50")))
	assert.True(t, l.Balance("buyer", "BTC").Available.IsZero())
	assert.True(t, l.Balance("seller", "BTC").Available.Equal(d("1")))
	assert.True(t, l.Balance("seller", "USDT").Available.IsZero())
}

func TestSettleTradeNamesShortParty(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("buyer", "USDT", d("100"), KindDeposit))
	require.NoError(t, l.Adjust("seller", "BTC", d("1"), KindDeposit))
	require.NoError(t, l.Adjust("buyer", "USDT", d("100"), KindLock))

	// the reservation covers the notional but not the fee
	buyer := Party{AccountID: "buyer", Reserved: true, LockPrice: d("100")}
	seller := Party{AccountID: "seller"}
	err := l.SettleTrade(buyer, seller, btcusdt, d("1"), d("100"), d("0.1"))

	var short *ShortfallError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "buyer", short.AccountID)
	assert.Equal(t, "USDT", short.Currency)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// a reserved seller without the locked base is the short party
	require.NoError(t, l.Adjust("buyer", "USDT", d("100"), KindUnlock))
	require.NoError(t, l.Adjust("buyer", "USDT", d("100"), KindDeposit))
	err = l.SettleTrade(Party{AccountID: "buyer"},
		Party{AccountID: "seller", Reserved: true}, btcusdt, d("1"), d("100"), d("0.1"))
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "seller", short.AccountID)
	assert.Equal(t, "BTC", short.Currency)
	require.ErrorIs(t, err, ErrInsufficientLocked)
}

func TestSettleSelfTrade(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("alice", "USDT", d("1000"), KindDeposit))
	require.NoError(t, l.Adjust("alice", "BTC", d("1"), KindDeposit))

	buyer := Party{AccountID: "alice"}
	seller := Party{AccountID: "alice"}
	require.NoError(t, l.SettleTrade(buyer, seller, btcusdt, d("1"), d("100"), d("0.1")))

	// base round-trips, quote only loses both fees
	assert.True(t, l.Balance("alice", "BTC").Available.Equal(d("1")))
	assert.True(t, l.Balance("alice", "USDT").Available.Equal(d("999.8")))
}

func TestConcurrentSettlementsKeepInvariants(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("a", "USDT", d("10000"), KindDeposit))
	require.NoError(t, l.Adjust("a", "BTC", d("100"), KindDeposit))
	require.NoError(t, l.Adjust("b", "USDT", d("10000"), KindDeposit))
	require.NoError(t, l.Adjust("b", "BTC", d("100"), KindDeposit))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.SettleTrade(Party{AccountID: "a"}, Party{AccountID: "b"}, btcusdt, d("1"), d("10"), d("0.01"))
		}()
		go func() {
			defer wg.Done()
			// opposite direction to exercise lock ordering
			_ = l.SettleTrade(Party{AccountID: "b"}, Party{AccountID: "a"}, btcusdt, d("1"), d("10"), d("0.01"))
		}()
	}
	wg.Wait()

	for _, acct := range []string{"a", "b"} {
		for _, cur := range []string{"USDT", "BTC"} {
			b := l.Balance(acct, cur)
			assert.False(t, b.Available.IsNegative(), "%s %s available", acct, cur)
			assert.False(t, b.Locked.IsNegative(), "%s %s locked", acct, cur)
		}
	}
}

func TestAuditTrail(t *testing.T) {
	l := New()
	require.NoError(t, l.Adjust("alice", "USDT", d("100"), KindDeposit))
	require.NoError(t, l.Adjust("alice", "USDT", d("30"), KindLock))
	require.NoError(t, l.Adjust("bob", "USDT", d("5"), KindDeposit))

	entries := l.History("alice", 10)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, KindLock, entries[0].Kind)
	assert.True(t, entries[0].Available.Equal(d("70")))
	assert.True(t, entries[0].Locked.Equal(d("30")))
	assert.Equal(t, KindDeposit, entries[1].Kind)
}
