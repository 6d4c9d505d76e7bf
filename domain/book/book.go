package book

import (
	"github.com/shopspring/decimal"

	"securetrade/domain/order"
)

// Book holds the resting orders of one symbol. Bids are consumed from the
// maximum price, asks from the minimum; ties inside a level are FIFO by
// arrival.
type Book struct {
	Symbol string

	bids *RBTree
	asks *RBTree

	// live is the authoritative membership index. Orders missing from it
	// are skipped when they surface at a level head.
	live map[string]*order.Order
}

func New(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   NewRBTree(),
		asks:   NewRBTree(),
		live:   make(map[string]*order.Order),
	}
}

// Add rests a limit-priced order on its side. The order must carry a price.
func (b *Book) Add(o *order.Order) {
	price, ok := o.LimitPrice()
	if !ok {
		return
	}
	b.side(o.Side).UpsertLevel(price).Enqueue(o)
	b.live[o.ID] = o
}

// Remove drops an order from the live index. The queued entry stays behind
// and is discarded lazily; removing an unknown order is not an error.
func (b *Book) Remove(orderID string) *order.Order {
	o, ok := b.live[orderID]
	if !ok {
		return nil
	}
	delete(b.live, orderID)
	return o
}

// Contains reports whether an order is still live in the book.
func (b *Book) Contains(orderID string) bool {
	_, ok := b.live[orderID]
	return ok
}

// BestBid returns the live order at the highest bid, or nil.
func (b *Book) BestBid() *order.Order {
	return b.best(order.Buy)
}

// BestAsk returns the live order at the lowest ask, or nil.
func (b *Book) BestAsk() *order.Order {
	return b.best(order.Sell)
}

// BestOpposite returns the best maker for an incoming order of takerSide.
func (b *Book) BestOpposite(takerSide order.Side) *order.Order {
	return b.best(takerSide.Opposite())
}

// PopBest removes the current best live order of the given side. It must be
// the order last returned by best; the engine calls it once a maker fills.
func (b *Book) PopBest(side order.Side) *order.Order {
	tree := b.side(side)
	for {
		lvl := b.bestLevel(side)
		if lvl == nil {
			return nil
		}
		o := lvl.PopHead()
		if lvl.Empty() {
			tree.DeleteLevel(lvl.Price)
		}
		if o == nil {
			continue
		}
		if _, ok := b.live[o.ID]; !ok {
			// lazily deleted entry, drop and keep looking
			continue
		}
		delete(b.live, o.ID)
		return o
	}
}

// Len is the number of live orders on a side.
func (b *Book) Len(side order.Side) int {
	n := 0
	for _, o := range b.live {
		if o.Side == side {
			n++
		}
	}
	return n
}

// Entry is one resting order in a snapshot.
type Entry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Snapshot returns up to depth live orders per side in priority order,
// together with the best prices. Lazily deleted entries are skipped.
type Snapshot struct {
	Bids    []Entry             `json:"bids"`
	Asks    []Entry             `json:"asks"`
	BestBid decimal.NullDecimal `json:"best_bid"`
	BestAsk decimal.NullDecimal `json:"best_ask"`
}

func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		Bids: b.collect(order.Buy, depth),
		Asks: b.collect(order.Sell, depth),
	}
	if o := b.BestBid(); o != nil {
		p, _ := o.LimitPrice()
		snap.BestBid = decimal.NewNullDecimal(p)
	}
	if o := b.BestAsk(); o != nil {
		p, _ := o.LimitPrice()
		snap.BestAsk = decimal.NewNullDecimal(p)
	}
	return snap
}

// ---- internals ----

func (b *Book) side(s order.Side) *RBTree {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) bestLevel(s order.Side) *PriceLevel {
	if s == order.Buy {
		return b.bids.MaxLevel()
	}
	return b.asks.MinLevel()
}

func (b *Book) best(s order.Side) *order.Order {
	tree := b.side(s)
	for {
		lvl := b.bestLevel(s)
		if lvl == nil {
			return nil
		}
		head := lvl.Head()
		if head == nil {
			tree.DeleteLevel(lvl.Price)
			continue
		}
		if _, ok := b.live[head.ID]; !ok {
			lvl.PopHead()
			if lvl.Empty() {
				tree.DeleteLevel(lvl.Price)
			}
			continue
		}
		return head
	}
}

func (b *Book) collect(s order.Side, depth int) []Entry {
	out := make([]Entry, 0, depth)
	walk := b.side(s).ForEachAscending
	if s == order.Buy {
		walk = b.side(s).ForEachDescending
	}
	walk(func(lvl *PriceLevel) bool {
		lvl.Each(func(o *order.Order) bool {
			if _, ok := b.live[o.ID]; !ok {
				return true
			}
			out = append(out, Entry{Price: lvl.Price, Quantity: o.Remaining()})
			return len(out) < depth
		})
		return len(out) < depth
	})
	return out
}
