package sequence

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrOutOfOrder = errors.New("sequence committed out of order")

// Sequencer hands out gap-free sequence numbers. A number is only consumed
// once the caller commits it, so a failed write never leaves a hole.
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer whose last committed value is start.
// Fresh log: start = 0. After replay: start = last replayed seq.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Peek returns the number the next commit must use.
func (s *Sequencer) Peek() uint64 {
	return s.last.Load() + 1
}

// Commit marks seq as used. It must be exactly Peek().
func (s *Sequencer) Commit(seq uint64) error {
	if !s.last.CompareAndSwap(seq-1, seq) {
		return errors.Wrapf(ErrOutOfOrder, "commit %d after %d", seq, s.last.Load())
	}
	return nil
}

// Current returns the last committed sequence.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset sets the last committed value. Only used on open and on reset.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
