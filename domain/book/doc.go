// Package book implements the per-symbol in-memory order book. It
// maintains two red-black trees of price levels, one per side, with
// FIFO queues inside each level so price-time priority falls out of
// the structure itself.
//
// Removal is lazy: cancelled orders leave the live index immediately
// but stay queued until they surface at the head of a level, where
// they are skipped and discarded. The book holds no locks; the
// matching engine owns exclusion.
package book
