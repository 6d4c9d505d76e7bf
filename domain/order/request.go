package order

import (
	"github.com/shopspring/decimal"
)

// Request is a schema-validated order submission from the request layer.
type Request struct {
	AccountID string              `json:"account_id"`
	Symbol    string              `json:"symbol"`
	Side      Side                `json:"side"`
	Type      Type                `json:"type"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stop_price"`
}

// Validate rejects malformed requests before they reach the engine.
func (r *Request) Validate() error {
	if r.AccountID == "" {
		return &ValidationError{Field: "account_id", Reason: "must not be empty"}
	}
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if !r.Side.Valid() {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown order type"}
	}
	if !r.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if r.Type != Market {
		if !r.Price.Valid || !r.Price.Decimal.IsPositive() {
			return &ValidationError{Field: "price", Reason: "required and positive for non-market orders"}
		}
	}
	if (r.Type == StopLoss || r.Type == TakeProfit) &&
		(!r.StopPrice.Valid || !r.StopPrice.Decimal.IsPositive()) {
		return &ValidationError{Field: "stop_price", Reason: "required and positive for stop orders"}
	}
	return nil
}
