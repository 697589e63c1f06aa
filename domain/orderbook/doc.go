// Package orderbook holds the per-instrument limit order book and the
// matching rules applied to it.
//
// Matching is split in two phases. Match computes a MatchResult from the
// current book and a command without touching the book; Apply mutates the
// book from a result. The caller persists the result between the two, and
// recovery replays stored results through Apply, so the book never depends
// on anything but its own state and the results fed to it.
//
// The book does no I/O and is not safe for concurrent use.
package orderbook
