package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"securetrade/domain/book"
	"securetrade/domain/order"
	"securetrade/infra/kafka"
	"securetrade/infra/sequence"
	"securetrade/infra/tradelog"
	"securetrade/ledger"
	"securetrade/risk"
)

// Options carry the tunables of the engine.
type Options struct {
	FeeRate decimal.Decimal

	// LockWait bounds the wait for a symbol's matching section before
	// the submission fails with a retryable contention error.
	LockWait time.Duration
}

// OrderService is the matching engine and the only write entry point.
type OrderService struct {
	opts Options

	symbols map[string]order.Symbol
	books   map[string]*book.Book
	section map[string]chan struct{}

	ledger *ledger.Ledger
	gate   *risk.Gate
	seq    *sequence.Sequencer

	ordersMu sync.RWMutex
	orders   map[string]*order.Order

	// Persistence and notification are asynchronous side effects of the
	// in-memory decision; matching never blocks on them.
	tradeLog *tradelog.Log
	events   *kafka.Producer
	tradeCh  chan *order.Trade
	done     chan struct{}
}

// NewOrderService wires all dependencies. tradeLog and events may be nil;
// the corresponding side effects are then skipped.
func NewOrderService(
	symbols map[string]order.Symbol,
	l *ledger.Ledger,
	gate *risk.Gate,
	seq *sequence.Sequencer,
	tradeLog *tradelog.Log,
	events *kafka.Producer,
	opts Options,
) *OrderService {
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}

	s := &OrderService{
		opts:     opts,
		symbols:  symbols,
		books:    make(map[string]*book.Book, len(symbols)),
		section:  make(map[string]chan struct{}, len(symbols)),
		ledger:   l,
		gate:     gate,
		seq:      seq,
		orders:   make(map[string]*order.Order),
		tradeLog: tradeLog,
		events:   events,
		tradeCh:  make(chan *order.Trade, 4096),
		done:     make(chan struct{}),
	}
	for name := range symbols {
		s.books[name] = book.New(name)
		sec := make(chan struct{}, 1)
		sec <- struct{}{}
		s.section[name] = sec
	}
	return s
}

// Start launches the trade persistence loop. Stop with Shutdown.
func (s *OrderService) Start(ctx context.Context) {
	go s.persistLoop(ctx)
}

// Shutdown drains the trade channel and stops background work. The
// final drain catches trades enqueued after the loop's context was
// cancelled.
func (s *OrderService) Shutdown() {
	close(s.tradeCh)
	<-s.done
	s.drainTrades()
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// SubmitOrder runs the full pipeline for one incoming order: risk check,
// matching against the book, and per-trade atomic settlement, all inside
// the symbol's matching section. It returns the order's final state and
// the trades produced. A risk rejection is returned as *order.RiskRejection
// with the order left REJECTED and nothing else mutated.
func (s *OrderService) SubmitOrder(req order.Request) (*order.Order, []*order.Trade, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	o := &order.Order{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Status:    order.StatusPending,
		Seq:       s.seq.Next(),
		CreatedAt: time.Now().UTC(),
	}

	if _, ok := s.section[o.Symbol]; !ok {
		o.Status = order.StatusRejected
		s.store(o)
		return o, nil, &order.RiskRejection{Reason: "symbol not supported"}
	}

	release, err := s.acquire(o.Symbol)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	res := s.gate.Validate(o)
	if !res.Approved {
		o.Status = order.StatusRejected
		s.store(o)
		s.publishOrderEvent(o, res.Reason)
		return o, nil, &order.RiskRejection{Reason: res.Reason, Score: res.Score}
	}
	s.gate.RecordOrder(o.AccountID)

	// Resting order types reserve their funds up front so two approved
	// orders cannot spend the same balance before either settles.
	if o.Type.Resting() {
		if err := s.reserve(o); err != nil {
			o.Status = order.StatusRejected
			s.store(o)
			reason := "insufficient balance to reserve"
			s.publishOrderEvent(o, reason)
			return o, nil, &order.RiskRejection{Reason: reason, Score: res.Score}
		}
	}

	trades := s.match(o)

	bk := s.books[o.Symbol]
	switch {
	case o.Remaining().IsZero():
		o.Status = order.StatusFilled
	case o.Type.Resting():
		// remainder rests at its limit price in arrival order
		bk.Add(o)
	default:
		// market remainder against an exhausted side is discarded
		o.Status = order.StatusPartialFilled
	}
	s.store(o)
	s.publishOrderEvent(o, "")

	return o, trades, nil
}

// CancelOrder removes a resting order and releases its reservation. A
// cancel racing an in-flight match is resolved by whoever takes the
// symbol section first; cancelling a terminal order fails and mutates
// nothing.
func (s *OrderService) CancelOrder(orderID string) error {
	s.ordersMu.RLock()
	o, ok := s.orders[orderID]
	s.ordersMu.RUnlock()
	if !ok {
		return order.ErrNotFound
	}

	release, err := s.acquire(o.Symbol)
	if err != nil {
		return err
	}
	defer release()

	if o.Status.Terminal() {
		return order.ErrNotCancellable
	}

	s.books[o.Symbol].Remove(o.ID)
	s.unreserve(o)
	o.Status = order.StatusCancelled
	s.publishOrderEvent(o, "")
	return nil
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

// BookSnapshot returns the top depth resting orders per side.
func (s *OrderService) BookSnapshot(symbol string, depth int) (book.Snapshot, error) {
	bk, ok := s.books[symbol]
	if !ok {
		return book.Snapshot{}, order.ErrNotFound
	}
	if depth <= 0 {
		depth = 10
	}

	release, err := s.acquire(symbol)
	if err != nil {
		return book.Snapshot{}, err
	}
	defer release()

	return bk.Snapshot(depth), nil
}

// AccountBalances returns every wallet of an account.
func (s *OrderService) AccountBalances(accountID string) map[string]ledger.Balance {
	return s.ledger.Balances(accountID)
}

// Order returns an order by id.
func (s *OrderService) Order(orderID string) (*order.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// OpenOrders lists the account's non-terminal orders.
func (s *OrderService) OpenOrders(accountID string) []*order.Order {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()

	out := make([]*order.Order, 0, 8)
	for _, o := range s.orders {
		if o.AccountID == accountID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Deposit credits an account's available balance.
func (s *OrderService) Deposit(accountID, currency string, amount decimal.Decimal) error {
	return s.ledger.Adjust(accountID, currency, amount, ledger.KindDeposit)
}

// Withdraw debits an account's available balance.
func (s *OrderService) Withdraw(accountID, currency string, amount decimal.Decimal) error {
	return s.ledger.Adjust(accountID, currency, amount, ledger.KindWithdrawal)
}

// Transactions returns an account's audit tail, newest first.
func (s *OrderService) Transactions(accountID string, limit int) []ledger.Entry {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.ledger.History(accountID, limit)
}

//
// ──────────────────────────────────────────────────────────
// Matching
// ──────────────────────────────────────────────────────────
//

// match consumes the best opposite side while the incoming order is
// marketable. Each fill settles atomically before any order state
// changes, so a settlement failure needs no fill rollback.
func (s *OrderService) match(taker *order.Order) []*order.Trade {
	bk := s.books[taker.Symbol]
	sym := s.symbols[taker.Symbol]
	trades := make([]*order.Trade, 0, 4)

	for taker.Remaining().IsPositive() {
		maker := bk.BestOpposite(taker.Side)
		if maker == nil {
			break
		}
		if !s.marketable(taker, maker) {
			break
		}

		price, _ := maker.LimitPrice()
		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		fee := qty.Mul(price).Mul(s.opts.FeeRate)

		buyer, seller := s.parties(taker, maker)
		if err := s.ledger.SettleTrade(buyer, seller, sym, qty, price, fee); err != nil {
			serr := &order.SettlementError{TradeQty: qty.String(), Cause: err}
			var short *ledger.ShortfallError
			if errors.As(err, &short) && short.AccountID == maker.AccountID {
				// only the maker's own leg being short condemns the
				// maker; evict it and keep matching
				log.WithError(serr).Errorf("evicting unfundable maker %s", maker.ID)
				bk.Remove(maker.ID)
				s.unreserve(maker)
				maker.Status = order.StatusCancelled
				continue
			}
			// the taker cannot cover its leg; stop here
			log.WithError(serr).Warnf("settlement aborted matching for order %s", taker.ID)
			break
		}

		taker.Fill(qty)
		maker.Fill(qty)

		t := &order.Trade{
			ID:           uuid.NewString(),
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			Symbol:       taker.Symbol,
			TakerSide:    taker.Side,
			Quantity:     qty,
			Price:        price,
			Fee:          fee,
			FeeCurrency:  sym.Quote,
			ExecutedAt:   time.Now().UTC(),
		}
		trades = append(trades, t)

		s.gate.RecordTrade(buyer.AccountID, seller.AccountID, taker.Symbol, qty, t.Notional())
		s.enqueueTrade(t)

		if maker.Remaining().IsZero() {
			bk.PopBest(maker.Side)
		}
	}
	return trades
}

// marketable reports whether the taker crosses the maker's price. Market
// orders have no price bound.
func (s *OrderService) marketable(taker, maker *order.Order) bool {
	limit, ok := taker.LimitPrice()
	if !ok {
		return true
	}
	makerPrice, _ := maker.LimitPrice()
	if taker.Side == order.Buy {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

// parties maps taker/maker onto settlement buyer/seller. Makers always
// settle out of their reservation; takers only when they carry one.
func (s *OrderService) parties(taker, maker *order.Order) (buyer, seller ledger.Party) {
	takerParty := ledger.Party{AccountID: taker.AccountID, Reserved: taker.Type.Resting()}
	if p, ok := taker.LimitPrice(); ok {
		takerParty.LockPrice = p
	}
	makerPrice, _ := maker.LimitPrice()
	makerParty := ledger.Party{AccountID: maker.AccountID, Reserved: true, LockPrice: makerPrice}

	if taker.Side == order.Buy {
		return takerParty, makerParty
	}
	return makerParty, takerParty
}

//
// ──────────────────────────────────────────────────────────
// Reservations
// ──────────────────────────────────────────────────────────
//

// reserve locks the funds a resting order can spend: the full quote
// notional for buys, the base quantity for sells.
func (s *OrderService) reserve(o *order.Order) error {
	sym := s.symbols[o.Symbol]
	price, _ := o.LimitPrice()
	if o.Side == order.Buy {
		return s.ledger.Adjust(o.AccountID, sym.Quote, o.Quantity.Mul(price), ledger.KindLock)
	}
	return s.ledger.Adjust(o.AccountID, sym.Base, o.Quantity, ledger.KindLock)
}

// unreserve releases the reservation still held for the unfilled
// remainder.
func (s *OrderService) unreserve(o *order.Order) {
	if !o.Type.Resting() || !o.Remaining().IsPositive() {
		return
	}
	sym := s.symbols[o.Symbol]
	price, _ := o.LimitPrice()

	var err error
	if o.Side == order.Buy {
		err = s.ledger.Adjust(o.AccountID, sym.Quote, o.Remaining().Mul(price), ledger.KindUnlock)
	} else {
		err = s.ledger.Adjust(o.AccountID, sym.Base, o.Remaining(), ledger.KindUnlock)
	}
	if err != nil {
		log.WithError(err).Errorf("reservation release failed for order %s", o.ID)
	}
}

//
// ──────────────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────────────
//

// acquire takes the symbol's matching section, waiting at most LockWait.
func (s *OrderService) acquire(symbol string) (func(), error) {
	sec, ok := s.section[symbol]
	if !ok {
		return nil, order.ErrNotFound
	}

	timer := time.NewTimer(s.opts.LockWait)
	defer timer.Stop()

	select {
	case <-sec:
		return func() { sec <- struct{}{} }, nil
	case <-timer.C:
		return nil, order.ErrContention
	}
}

func (s *OrderService) store(o *order.Order) {
	s.ordersMu.Lock()
	s.orders[o.ID] = o
	s.ordersMu.Unlock()
}
