// Package risk implements the pre-trade gate: six sequential, fail-fast
// checks against current ledger and position state plus an advisory risk
// score. Validation is side-effect-free; the engine runs it inside the
// symbol's matching section and commits counters only after execution.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"securetrade/domain/order"
	"securetrade/ledger"
)

// PriceSource supplies the externally maintained reference price.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// SymbolLimits bound a single symbol's exposure.
type SymbolLimits struct {
	MaxPosition  decimal.Decimal
	MaxOrderSize decimal.Decimal
}

type Config struct {
	Limits            map[string]SymbolLimits
	MaxDailyOrders    int
	MaxDailyVolume    decimal.Decimal
	MaxPriceDeviation decimal.Decimal
}

// Result is the gate's verdict. Score is advisory and never a gate by
// itself.
type Result struct {
	Approved bool
	Reason   string
	Score    float64
}

func reject(reason string) Result {
	return Result{Approved: false, Reason: reason}
}

type posKey struct {
	account string
	symbol  string
}

type dayCounters struct {
	day    string
	orders int
	volume decimal.Decimal
}

// Gate validates prospective orders. Position, daily and trade counters
// are fed back by the engine through Record* after execution.
type Gate struct {
	cfg     Config
	symbols map[string]order.Symbol
	ledger  *ledger.Ledger
	prices  PriceSource

	mu        sync.Mutex
	positions map[posKey]decimal.Decimal
	daily     map[string]*dayCounters
	trades    map[string]int

	now func() time.Time
}

func NewGate(cfg Config, symbols map[string]order.Symbol, l *ledger.Ledger, prices PriceSource) *Gate {
	return &Gate{
		cfg:       cfg,
		symbols:   symbols,
		ledger:    l,
		prices:    prices,
		positions: make(map[posKey]decimal.Decimal),
		daily:     make(map[string]*dayCounters),
		trades:    make(map[string]int),
		now:       time.Now,
	}
}

// Validate runs the checks in order and returns the first rejection.
func (g *Gate) Validate(o *order.Order) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	checks := []func(*order.Order) Result{
		g.checkSymbol,
		g.checkPosition,
		g.checkBalance,
		g.checkDailyLimits,
		g.checkOrderSize,
		g.checkPriceDeviation,
	}
	for _, check := range checks {
		if res := check(o); !res.Approved {
			res.Score = g.score(o.AccountID)
			return res
		}
	}
	return Result{Approved: true, Reason: "all checks passed", Score: g.score(o.AccountID)}
}

func (g *Gate) checkSymbol(o *order.Order) Result {
	if _, ok := g.cfg.Limits[o.Symbol]; !ok {
		return reject("symbol not supported")
	}
	if _, ok := g.symbols[o.Symbol]; !ok {
		return reject("symbol not supported")
	}
	return Result{Approved: true}
}

func (g *Gate) checkPosition(o *order.Order) Result {
	limits := g.cfg.Limits[o.Symbol]
	pos := g.positions[posKey{o.AccountID, o.Symbol}]

	var next decimal.Decimal
	if o.Side == order.Buy {
		next = pos.Add(o.Quantity)
	} else {
		next = pos.Sub(o.Quantity)
	}

	if next.Abs().GreaterThan(limits.MaxPosition) {
		return reject(fmt.Sprintf("position limit exceeded, max %s", limits.MaxPosition))
	}
	return Result{Approved: true}
}

func (g *Gate) checkBalance(o *order.Order) Result {
	sym := g.symbols[o.Symbol]

	if o.Side == order.Buy {
		price, res := g.pricingFor(o)
		if !res.Approved {
			return res
		}
		required := o.Quantity.Mul(price)
		if g.ledger.Balance(o.AccountID, sym.Quote).Available.LessThan(required) {
			return reject(fmt.Sprintf("insufficient %s balance", sym.Quote))
		}
		return Result{Approved: true}
	}

	if g.ledger.Balance(o.AccountID, sym.Base).Available.LessThan(o.Quantity) {
		return reject(fmt.Sprintf("insufficient %s balance", sym.Base))
	}
	return Result{Approved: true}
}

func (g *Gate) checkDailyLimits(o *order.Order) Result {
	c := g.counters(o.AccountID)
	if c.orders >= g.cfg.MaxDailyOrders {
		return reject("daily order limit exceeded")
	}

	price, res := g.pricingFor(o)
	if !res.Approved {
		return res
	}
	estimated := o.Quantity.Mul(price)
	if c.volume.Add(estimated).GreaterThan(g.cfg.MaxDailyVolume) {
		return reject("daily volume limit exceeded")
	}
	return Result{Approved: true}
}

func (g *Gate) checkOrderSize(o *order.Order) Result {
	limits := g.cfg.Limits[o.Symbol]
	if o.Quantity.GreaterThan(limits.MaxOrderSize) {
		return reject(fmt.Sprintf("order size exceeds limit, max %s", limits.MaxOrderSize))
	}
	return Result{Approved: true}
}

func (g *Gate) checkPriceDeviation(o *order.Order) Result {
	price, ok := o.LimitPrice()
	if !ok {
		return Result{Approved: true}
	}

	ref, found := g.prices.LastPrice(o.Symbol)
	if !found || !ref.IsPositive() {
		return reject("unable to get market price")
	}

	deviation := price.Sub(ref).Abs().Div(ref)
	if deviation.GreaterThan(g.cfg.MaxPriceDeviation) {
		return reject("price deviates too much from market price")
	}
	return Result{Approved: true}
}

// pricingFor returns the price used for notional estimates: the limit
// price when present, otherwise the reference price.
func (g *Gate) pricingFor(o *order.Order) (decimal.Decimal, Result) {
	if p, ok := o.LimitPrice(); ok {
		return p, Result{Approved: true}
	}
	ref, found := g.prices.LastPrice(o.Symbol)
	if !found || !ref.IsPositive() {
		return decimal.Zero, reject("unable to get market price")
	}
	return ref, Result{Approved: true}
}

// RecordOrder counts an accepted submission against the daily order limit.
func (g *Gate) RecordOrder(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters(accountID).orders++
}

// RecordTrade feeds an execution back into position, volume and trade
// counters for both participants.
func (g *Gate) RecordTrade(buyerID, sellerID, symbol string, qty, notional decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bk := posKey{buyerID, symbol}
	sk := posKey{sellerID, symbol}
	g.positions[bk] = g.positions[bk].Add(qty)
	g.positions[sk] = g.positions[sk].Sub(qty)

	g.counters(buyerID).volume = g.counters(buyerID).volume.Add(notional)
	g.counters(sellerID).volume = g.counters(sellerID).volume.Add(notional)

	g.trades[buyerID]++
	g.trades[sellerID]++
}

// Position returns the signed traded position of an account in a symbol.
func (g *Gate) Position(accountID, symbol string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions[posKey{accountID, symbol}]
}

// counters returns today's counters, resetting them on day rollover.
// Callers hold g.mu.
func (g *Gate) counters(accountID string) *dayCounters {
	day := g.now().UTC().Format("2006-01-02")
	c, ok := g.daily[accountID]
	if !ok || c.day != day {
		c = &dayCounters{day: day, volume: decimal.Zero}
		g.daily[accountID] = c
	}
	return c
}

// score is advisory: busier and larger accounts score higher. Callers
// hold g.mu.
func (g *Gate) score(accountID string) float64 {
	score := 0.0

	switch trades := g.trades[accountID]; {
	case trades > 1000:
		score += 0.3
	case trades > 500:
		score += 0.2
	case trades > 100:
		score += 0.1
	}

	total := decimal.Zero
	for _, b := range g.ledger.Balances(accountID) {
		total = total.Add(b.Total())
	}
	switch {
	case total.GreaterThan(decimal.NewFromInt(100000)):
		score += 0.1
	case total.GreaterThan(decimal.NewFromInt(10000)):
		score += 0.05
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
