package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is created once per match and never mutated afterwards. Price is
// always the maker's price.
type Trade struct {
	ID           string `json:"id"`
	TakerOrderID string `json:"taker_order_id"`
	MakerOrderID string `json:"maker_order_id"`
	Symbol       string `json:"symbol"`

	// TakerSide is the side of the incoming order that initiated the match.
	TakerSide Side `json:"taker_side"`

	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`

	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`

	ExecutedAt time.Time `json:"executed_at"`
}

// Notional is quantity times price, the economic size of the trade.
func (t *Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}
