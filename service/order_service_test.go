package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrade/domain/order"
	"securetrade/infra/sequence"
	"securetrade/infra/tradelog"
	"securetrade/ledger"
	"securetrade/marketdata"
	"securetrade/risk"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	svc    *OrderService
	ledger *ledger.Ledger
	prices *marketdata.Service
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithTradeLog(t, nil)
}

func newTestEnvWithTradeLog(t *testing.T, tl *tradelog.Log) *testEnv {
	t.Helper()

	symbols := map[string]order.Symbol{
		"XYZUSDT": {Name: "XYZUSDT", Base: "XYZ", Quote: "USDT"},
	}
	limits := map[string]risk.SymbolLimits{
		"XYZUSDT": {MaxPosition: d("1000"), MaxOrderSize: d("100")},
	}

	l := ledger.New()
	prices := marketdata.New()
	prices.Set("XYZUSDT", d("100"))

	gate := risk.NewGate(risk.Config{
		Limits:            limits,
		MaxDailyOrders:    1000,
		MaxDailyVolume:    d("1000000"),
		MaxPriceDeviation: d("0.1"),
	}, symbols, l, prices)

	svc := NewOrderService(symbols, l, gate, sequence.New(0), tl, nil, Options{
		FeeRate: d("0.001"),
	})

	return &testEnv{svc: svc, ledger: l, prices: prices}
}

func (e *testEnv) fund(t *testing.T, account, currency, amount string) {
	t.Helper()
	require.NoError(t, e.ledger.Adjust(account, currency, d(amount), ledger.KindDeposit))
}

func limitReq(account string, side order.Side, price, qty string) order.Request {
	return order.Request{
		AccountID: account,
		Symbol:    "XYZUSDT",
		Side:      side,
		Type:      order.Limit,
		Quantity:  d(qty),
		Price:     decimal.NewNullDecimal(d(price)),
	}
}

func marketReq(account string, side order.Side, qty string) order.Request {
	return order.Request{
		AccountID: account,
		Symbol:    "XYZUSDT",
		Side:      side,
		Type:      order.Market,
		Quantity:  d(qty),
	}
}

// Scenario: empty book, limit buy rests with zero trades.
func TestLimitOrderRestsOnEmptyBook(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "USDT", "1000")

	o, trades, err := env.svc.SubmitOrder(limitReq("alice", order.Buy, "100", "1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, order.StatusPending, o.Status)

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(d("100")))
	assert.True(t, snap.Bids[0].Quantity.Equal(d("1")))

	// the resting buy reserved its quote notional
	b := env.ledger.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("900")))
	assert.True(t, b.Locked.Equal(d("100")))
}

// Scenario: resting sell 1.0@100, market buy 1.0 fills both at 100.
func TestMarketBuyFillsRestingSell(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	maker, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)

	taker, trades, err := env.svc.SubmitOrder(marketReq("buyer", order.Buy, "1"))
	require.NoError(t, err)

	require.Len(t, trades, 1)
	tr := trades[0]
	assert.True(t, tr.Quantity.Equal(d("1")))
	assert.True(t, tr.Price.Equal(d("100")), "trade executes at the maker's price")
	assert.Equal(t, maker.ID, tr.MakerOrderID)
	assert.Equal(t, taker.ID, tr.TakerOrderID)

	assert.Equal(t, order.StatusFilled, taker.Status)
	assert.Equal(t, order.StatusFilled, maker.Status)

	// settlement moved both legs; fee is 0.1 each way
	assert.True(t, env.ledger.Balance("buyer", "XYZ").Available.Equal(d("1")))
	assert.True(t, env.ledger.Balance("buyer", "USDT").Available.Equal(d("899.9")))
	assert.True(t, env.ledger.Balance("seller", "USDT").Available.Equal(d("99.9")))
	assert.True(t, env.ledger.Balance("seller", "XYZ").Available.IsZero())
	assert.True(t, env.ledger.Balance("seller", "XYZ").Locked.IsZero())
}

// Scenario: resting sell 0.5@100, limit buy 1.0@101 partially fills and rests.
func TestPartialFillRestsRemainder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "0.5")
	env.fund(t, "buyer", "USDT", "1000")

	_, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "0.5"))
	require.NoError(t, err)

	taker, trades, err := env.svc.SubmitOrder(limitReq("buyer", order.Buy, "101", "1"))
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(d("0.5")))
	assert.True(t, trades[0].Price.Equal(d("100")), "maker price, not the taker's 101")

	assert.Equal(t, order.StatusPartialFilled, taker.Status)
	assert.True(t, taker.Remaining().Equal(d("0.5")))

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(d("101")))
	assert.True(t, snap.Bids[0].Quantity.Equal(d("0.5")))

	// reservation shrank to the resting remainder: 0.5 * 101
	b := env.ledger.Balance("buyer", "USDT")
	assert.True(t, b.Locked.Equal(d("50.5")))
}

// Scenario: insufficient balance is rejected with no book change.
func TestRiskRejectionLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "USDT", "40")

	o, trades, err := env.svc.SubmitOrder(limitReq("alice", order.Buy, "100", "1"))
	require.Error(t, err)

	var rej *order.RiskRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "insufficient USDT balance", rej.Reason)
	assert.Equal(t, order.StatusRejected, o.Status)
	assert.Empty(t, trades)

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)

	b := env.ledger.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("40")))
	assert.True(t, b.Locked.IsZero())
}

// Scenario: two resting buys at the same price fill in submission order.
func TestPriceTimePriorityAcrossOrders(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "a", "USDT", "1000")
	env.fund(t, "b", "USDT", "1000")
	env.fund(t, "seller", "XYZ", "2")

	first, _, err := env.svc.SubmitOrder(limitReq("a", order.Buy, "100", "1"))
	require.NoError(t, err)
	second, _, err := env.svc.SubmitOrder(limitReq("b", order.Buy, "100", "1"))
	require.NoError(t, err)

	taker, trades, err := env.svc.SubmitOrder(marketReq("seller", order.Sell, "1.5"))
	require.NoError(t, err)

	require.Len(t, trades, 2)
	assert.Equal(t, first.ID, trades[0].MakerOrderID)
	assert.True(t, trades[0].Quantity.Equal(d("1")))
	assert.Equal(t, second.ID, trades[1].MakerOrderID)
	assert.True(t, trades[1].Quantity.Equal(d("0.5")))

	assert.Equal(t, order.StatusFilled, first.Status)
	assert.Equal(t, order.StatusPartialFilled, second.Status)
	assert.True(t, second.Remaining().Equal(d("0.5")))
	assert.Equal(t, order.StatusFilled, taker.Status)
}

// A limit buy priced below the best ask must rest without trading.
func TestNoSpuriousExecution(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	_, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "105", "1"))
	require.NoError(t, err)

	o, trades, err := env.svc.SubmitOrder(limitReq("buyer", order.Buy, "100", "1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, order.StatusPending, o.Status)

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Quantity.Equal(d("1")), "ask unchanged")
}

// A market order against an exhausted side keeps its partial fill and is
// discarded, never resting.
func TestMarketRemainderIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "0.5")
	env.fund(t, "buyer", "USDT", "1000")

	_, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "0.5"))
	require.NoError(t, err)

	taker, trades, err := env.svc.SubmitOrder(marketReq("buyer", order.Buy, "2"))
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, order.StatusPartialFilled, taker.Status)
	assert.True(t, taker.Remaining().Equal(d("1.5")))

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids, "market remainder must not rest")
}

func TestCancelRestingOrderReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "USDT", "1000")

	o, _, err := env.svc.SubmitOrder(limitReq("alice", order.Buy, "100", "1"))
	require.NoError(t, err)

	require.NoError(t, env.svc.CancelOrder(o.ID))
	assert.Equal(t, order.StatusCancelled, o.Status)

	b := env.ledger.Balance("alice", "USDT")
	assert.True(t, b.Available.Equal(d("1000")))
	assert.True(t, b.Locked.IsZero())

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
}

func TestCancelTerminalOrderFails(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	maker, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)
	_, _, err = env.svc.SubmitOrder(marketReq("buyer", order.Buy, "1"))
	require.NoError(t, err)

	err = env.svc.CancelOrder(maker.ID)
	require.ErrorIs(t, err, order.ErrNotCancellable)

	// idempotent: nothing changed on the failed cancel
	assert.Equal(t, order.StatusFilled, maker.Status)
	assert.True(t, env.ledger.Balance("seller", "XYZ").Locked.IsZero())
}

func TestCancelUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	require.ErrorIs(t, env.svc.CancelOrder("ghost"), order.ErrNotFound)
}

func TestValidationRejectsBeforeEngine(t *testing.T) {
	env := newTestEnv(t)

	req := limitReq("alice", order.Buy, "100", "1")
	req.Quantity = d("0")
	_, _, err := env.svc.SubmitOrder(req)

	var verr *order.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
}

func TestUnknownSymbolIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "USDT", "1000")

	req := limitReq("alice", order.Buy, "100", "1")
	req.Symbol = "NOPEUSDT"
	o, _, err := env.svc.SubmitOrder(req)

	var rej *order.RiskRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "symbol not supported", rej.Reason)
	assert.Equal(t, order.StatusRejected, o.Status)
}

// Conservation: for every trade the buyer's outflow equals the maker
// notional plus fee, and the seller's inflow equals notional minus fee.
func TestTradeConservation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	_, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)
	_, trades, err := env.svc.SubmitOrder(limitReq("buyer", order.Buy, "100", "1"))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	outflow := d("1000").Sub(env.ledger.Balance("buyer", "USDT").Total())
	assert.True(t, outflow.Equal(tr.Notional().Add(tr.Fee)))

	inflow := env.ledger.Balance("seller", "USDT").Total()
	assert.True(t, inflow.Equal(tr.Notional().Sub(tr.Fee)))
}

func TestStopOrdersMatchAsLimit(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	_, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)

	req := limitReq("buyer", order.Buy, "100", "1")
	req.Type = order.StopLoss
	req.StopPrice = decimal.NewNullDecimal(d("95"))

	o, trades, err := env.svc.SubmitOrder(req)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, order.StatusFilled, o.Status)
}

// A buyer whose reservation covers the notional but not the fee fails
// its own settlement leg; the funded maker must stay on the book.
func TestFeeShortfallDoesNotEvictMaker(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "100")

	maker, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)

	taker, trades, err := env.svc.SubmitOrder(limitReq("buyer", order.Buy, "100", "1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, order.StatusPending, taker.Status)
	assert.Equal(t, order.StatusPending, maker.Status)

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1, "maker untouched")
	assert.True(t, snap.Asks[0].Quantity.Equal(d("1")))

	// neither reservation was consumed
	assert.True(t, env.ledger.Balance("seller", "XYZ").Locked.Equal(d("1")))
	assert.True(t, env.ledger.Balance("buyer", "USDT").Locked.Equal(d("100")))
}

// A market taker settles from available balance; when that falls short
// matching stops with the makers intact.
func TestMarketTakerShortfallStopsMatching(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "100")

	maker, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)

	// passes the risk balance check at the reference price, misses the fee
	taker, trades, err := env.svc.SubmitOrder(marketReq("buyer", order.Buy, "1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.True(t, taker.FilledQty.IsZero())
	assert.Equal(t, order.StatusPending, maker.Status)

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, env.ledger.Balance("buyer", "USDT").Available.Equal(d("100")))
}

// A maker whose reservation vanished is the short party: it is evicted
// and matching carries on.
func TestUnfundableMakerIsEvicted(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	maker, _, err := env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)

	// drain the maker's reservation behind the book's back
	require.NoError(t, env.ledger.Adjust("seller", "XYZ", d("1"), ledger.KindUnlock))
	require.NoError(t, env.ledger.Adjust("seller", "XYZ", d("1"), ledger.KindWithdrawal))

	taker, trades, err := env.svc.SubmitOrder(limitReq("buyer", order.Buy, "100", "1"))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, order.StatusCancelled, maker.Status)
	assert.Equal(t, order.StatusPending, taker.Status)

	snap, err := env.svc.BookSnapshot("XYZUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Asks, "broken maker removed")
	require.Len(t, snap.Bids, 1, "taker rests after the eviction")

	// the buyer kept its funds
	assert.True(t, env.ledger.Balance("buyer", "USDT").Total().Equal(d("1000")))
}

// Trades still buffered when the context is cancelled must reach the
// tradelog before shutdown completes.
func TestShutdownPersistsQueuedTrades(t *testing.T) {
	tl, err := tradelog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tl.Close() })

	env := newTestEnvWithTradeLog(t, tl)
	env.fund(t, "seller", "XYZ", "1")
	env.fund(t, "buyer", "USDT", "1000")

	_, _, err = env.svc.SubmitOrder(limitReq("seller", order.Sell, "100", "1"))
	require.NoError(t, err)
	_, trades, err := env.svc.SubmitOrder(marketReq("buyer", order.Buy, "1"))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// cancel before the loop even starts; shutdown still drains
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.svc.Start(ctx)
	env.svc.Shutdown()

	var persisted int
	require.NoError(t, tl.ScanByState(tradelog.StateNew, func(tradelog.Record) error {
		persisted++
		return nil
	}))
	assert.Equal(t, 1, persisted)
}

func TestOpenOrdersAndLookup(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "USDT", "1000")

	o, _, err := env.svc.SubmitOrder(limitReq("alice", order.Buy, "100", "1"))
	require.NoError(t, err)

	got, err := env.svc.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	open := env.svc.OpenOrders("alice")
	require.Len(t, open, 1)

	require.NoError(t, env.svc.CancelOrder(o.ID))
	assert.Empty(t, env.svc.OpenOrders("alice"))

	_, err = env.svc.Order("missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}
