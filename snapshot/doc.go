// Package snapshot checkpoints an order book so restart replays only the
// WAL tail written after the checkpoint.
//
// A snapshot file holds a versioned, checksummed envelope around the book
// state. Files are replaced atomically (temp file, fsync, rename), so a
// crash leaves either the old snapshot or the new one.
package snapshot
