// Package service runs the matching engine: one processor per instrument,
// each a single goroutine that owns its book and its WAL.
//
// A command is matched, appended to the WAL, and only then applied to the
// book and acknowledged. A command that fails before the append has no
// effect; once queued, a command always runs to an answer.
package service
