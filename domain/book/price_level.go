package book

import (
	"github.com/shopspring/decimal"

	"securetrade/domain/order"
)

type entry struct {
	order *order.Order
	next  *entry
	prev  *entry
}

// PriceLevel is a FIFO queue of resting orders at a single price.
// Arrival order is preserved; reducing a resting order's size never
// reorders it.
type PriceLevel struct {
	Price decimal.Decimal

	head *entry
	tail *entry

	OrderCount int
}

func (p *PriceLevel) Enqueue(o *order.Order) {
	e := &entry{order: o}
	if p.head == nil {
		p.head = e
		p.tail = e
	} else {
		p.tail.next = e
		e.prev = p.tail
		p.tail = e
	}
	p.OrderCount++
}

func (p *PriceLevel) PopHead() *order.Order {
	e := p.head
	if e == nil {
		return nil
	}

	p.head = e.next
	if p.head != nil {
		p.head.prev = nil
	} else {
		p.tail = nil
	}

	e.next = nil
	e.prev = nil

	p.OrderCount--
	return e.order
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Head returns the oldest order at this level without removing it.
func (p *PriceLevel) Head() *order.Order {
	if p.head == nil {
		return nil
	}
	return p.head.order
}

// Each visits orders oldest-first. Returning false stops the walk.
func (p *PriceLevel) Each(fn func(*order.Order) bool) {
	for e := p.head; e != nil; e = e.next {
		if !fn(e.order) {
			return
		}
	}
}
