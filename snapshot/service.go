package snapshot

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/domain/orderbook"
)

const (
	DefaultInterval = 1000

	namedLogger = "snapshot"
)

// Service owns the snapshot file of one instrument.
type Service struct {
	path     string
	interval uint64
	log      *zap.Logger

	lastSnapshotSeq uint64

	write func(path string, data []byte) error
	now   func() time.Time
}

func NewService(dir, instrument string, interval uint64, log *zap.Logger) *Service {
	if interval == 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		path:     filepath.Join(dir, url.PathEscape(instrument)+".snapshot.json"),
		interval: interval,
		log:      log.Named(namedLogger).With(zap.String("instrument", instrument)),
		write:    writeAtomic,
		now:      time.Now,
	}
}

func (s *Service) Path() string { return s.path }

func (s *Service) LastSnapshotSeq() uint64 { return s.lastSnapshotSeq }

// Load reads the current snapshot; nil, nil when there is none.
// ErrIncompatible means the caller should replay the whole WAL instead.
func (s *Service) Load() (*State, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}

	st, err := decode(raw)
	if err != nil {
		return nil, err
	}
	s.lastSnapshotSeq = st.LastSeq
	s.log.Info("snapshot loaded",
		zap.Uint64("last_seq", st.LastSeq),
		zap.Int("open_orders", len(st.OpenOrders)),
	)
	return st, nil
}

// MaybeSnapshot writes a snapshot once currentSeq is at least interval past
// the last one. It reports whether it wrote.
func (s *Service) MaybeSnapshot(currentSeq uint64, book *orderbook.OrderBook, offsets map[int32]int64) (bool, error) {
	if currentSeq < s.lastSnapshotSeq || currentSeq-s.lastSnapshotSeq < s.interval {
		return false, nil
	}
	if err := s.WriteSnapshot(currentSeq, book, offsets); err != nil {
		return false, err
	}
	return true, nil
}

// WriteSnapshot persists book as of currentSeq. The marker only moves after
// the file is in place.
func (s *Service) WriteSnapshot(currentSeq uint64, book *orderbook.OrderBook, offsets map[int32]int64) error {
	bs := book.State()
	st := &State{
		Instrument:        bs.Instrument,
		LastSeq:           currentSeq,
		TradeCounter:      bs.TradeCounter,
		OpenOrders:        bs.OpenOrders,
		ProcessedOrderIDs: bs.ProcessedIDs,
		PartitionOffsets:  copyOffsets(offsets),
		CreatedAt:         s.now().UTC(),
	}

	data, err := encode(st)
	if err != nil {
		return err
	}
	if err := s.write(s.path, data); err != nil {
		return err
	}

	s.lastSnapshotSeq = currentSeq
	s.log.Info("snapshot written",
		zap.Uint64("last_seq", currentSeq),
		zap.Int("open_orders", len(st.OpenOrders)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Remove deletes the snapshot and rewinds the marker.
func (s *Service) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove snapshot")
	}
	s.lastSnapshotSeq = 0
	return nil
}

func copyOffsets(in map[int32]int64) map[int32]int64 {
	out := make(map[int32]int64, len(in))
	for p, o := range in {
		out[p] = o
	}
	return out
}
