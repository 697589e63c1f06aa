// Package wal is the per-instrument write-ahead log of match results.
//
// Entries are appended to size-rotated segment files, one frame each:
//
//	[seq:8][len:4][payload:len][crc:4]
//
// big-endian, CRC32-IEEE over seq, len and payload. The payload is the JSON
// encoded Entry. Segment files are named after the first sequence they hold,
// so lexical order is log order.
//
// An Append returns only after the frame is on disk (fsync). Sequences are
// gap-free: a failed write is rolled back and its sequence is reused by the
// next append.
package wal
