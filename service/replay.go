package service

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/infra/wal"
	"matching/snapshot"
)

/*
recover rebuilds the book of p before it accepts commands:

  - restore the latest snapshot, if any and compatible
  - replay every WAL entry after the snapshot's seq, in order
  - stop at the first gap (corruption)

Replay applies the stored match results; nothing is re-matched.
*/
func (p *Processor) recover(snaps *snapshot.Service, batch int) error {
	st, err := snaps.Load()
	switch {
	case errors.Is(err, snapshot.ErrIncompatible):
		p.log.Warn("snapshot incompatible, replaying full wal", zap.Error(err))
		st = nil
	case err != nil:
		return err
	}

	if st != nil {
		if st.LastSeq > p.wal.LastSeq() {
			return errors.Wrapf(wal.ErrCorrupt, "snapshot at %d but wal ends at %d", st.LastSeq, p.wal.LastSeq())
		}
		if err := p.book.Restore(st.BookState()); err != nil {
			return errors.Wrap(err, "restore snapshot")
		}
		for k, v := range st.PartitionOffsets {
			p.offsets[k] = v
		}
	}

	from := p.book.LastSeq() + 1
	replayed := 0
	for {
		entries, err := p.wal.ReadFrom(from, batch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if e.Seq != from {
				return errors.Wrapf(wal.ErrCorrupt, "replay expected seq %d, found %d", from, e.Seq)
			}
			p.book.Apply(e.Result)
			p.book.SetLastSeq(e.Seq)
			trackOffset(p.offsets, e.Source)
			from++
			replayed++
		}
	}

	p.log.Info("wal replay completed",
		zap.Uint64("last_seq", p.book.LastSeq()),
		zap.Int("replayed", replayed),
		zap.Int("open_orders", p.book.OpenOrders()),
	)
	return nil
}
