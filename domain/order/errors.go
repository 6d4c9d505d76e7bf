package order

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Every path through the engine resolves to one of these;
// none of them terminates the process.

var (
	// ErrNotFound is returned for lookups and cancels of unknown orders.
	ErrNotFound = errors.New("order not found")

	// ErrNotCancellable is returned when cancelling an order that already
	// reached a terminal status. The cancel mutates nothing.
	ErrNotCancellable = errors.New("order not cancellable")

	// ErrContention means the symbol's matching section could not be
	// acquired within the configured bound. Callers may retry.
	ErrContention = errors.New("matching section contended, retry")
)

// ValidationError marks a malformed request, rejected before the engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RiskRejection carries the failed risk check's reason. The order is left
// REJECTED with no other mutation.
type RiskRejection struct {
	Reason string
	Score  float64
}

func (e *RiskRejection) Error() string {
	return "risk rejected: " + e.Reason
}

// SettlementError is defensive: it should not occur when the risk gate is
// correct. Only the offending trade is rolled back.
type SettlementError struct {
	TradeQty string
	Cause    error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed for qty %s: %v", e.TradeQty, e.Cause)
}

func (e *SettlementError) Unwrap() error { return e.Cause }
