package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

type Type string

const (
	Market     Type = "market"
	Limit      Type = "limit"
	StopLoss   Type = "stop_loss"
	TakeProfit Type = "take_profit"
)

func (t Type) Valid() bool {
	switch t {
	case Market, Limit, StopLoss, TakeProfit:
		return true
	}
	return false
}

// Resting reports whether an unfilled remainder of this type rests in the
// book. Stop-loss and take-profit behave like plain limit orders here; they
// carry a stop price but no trigger monitoring.
func (t Type) Resting() bool {
	return t != Market
}

type Status string

const (
	StatusPending       Status = "pending"
	StatusPartialFilled Status = "partial_filled"
	StatusFilled        Status = "filled"
	StatusCancelled     Status = "cancelled"
	StatusRejected      Status = "rejected"
)

// Terminal statuses admit no further mutation.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Order is a pure domain entity. It is owned by the matching engine while
// resting; Seq is the arrival sequence number and the only tie-break.
type Order struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`

	Side Side `json:"side"`
	Type Type `json:"type"`

	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stop_price"`

	Status    Status          `json:"status"`
	FilledQty decimal.Decimal `json:"filled_quantity"`

	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill applies an execution of qty against this order and moves the status
// along the lattice. qty must not exceed Remaining.
func (o *Order) Fill(qty decimal.Decimal) {
	o.FilledQty = o.FilledQty.Add(qty)
	if o.Remaining().IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartialFilled
	}
}

// LimitPrice returns the order's limit price; ok is false for market orders.
func (o *Order) LimitPrice() (decimal.Decimal, bool) {
	if !o.Price.Valid {
		return decimal.Zero, false
	}
	return o.Price.Decimal, true
}
