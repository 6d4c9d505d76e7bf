// Package service orchestrates the core components of the exchange:
// risk gate, per-symbol order books, wallet ledger, trade persistence.
//
// OrderService is the only write entry point. It owns one mutual
// exclusion section per symbol, so unrelated symbols match
// independently while a single symbol's risk check, matching and
// settlement run as one unit.
package service
