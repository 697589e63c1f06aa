// Package progress persists how far the WAL loader has drained each
// instrument's log, independently of the log itself.
package progress

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

var prefix = []byte("progress/")

// Store keeps one cursor per instrument: the last WAL seq whose trades and
// outbox rows are committed to the relational store.
type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open progress store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// -------------------- API --------------------

// Load returns the last processed seq, 0 when the instrument was never drained.
func (s *Store) Load(instrument string) (uint64, error) {
	val, closer, err := s.db.Get(keyFor(instrument))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "load progress %s", instrument)
	}
	defer closer.Close()

	return decodeSeq(val)
}

// Save durably records seq. It returns once the write is synced.
func (s *Store) Save(instrument string, seq uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := s.db.Set(keyFor(instrument), buf, pebble.Sync); err != nil {
		return errors.Wrapf(err, "save progress %s", instrument)
	}
	return nil
}

// All returns every stored cursor.
func (s *Store) All() (map[string]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan progress")
	}
	defer iter.Close()

	out := make(map[string]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := decodeSeq(iter.Value())
		if err != nil {
			return nil, err
		}
		out[string(bytes.TrimPrefix(iter.Key(), prefix))] = seq
	}
	return out, errors.Wrap(iter.Error(), "scan progress")
}

// Reset forgets every cursor.
func (s *Store) Reset() error {
	if err := s.db.DeleteRange(prefix, upperBound(), pebble.Sync); err != nil {
		return errors.Wrap(err, "reset progress")
	}
	return nil
}

// -------------------- Helpers --------------------

func keyFor(instrument string) []byte {
	return append(append([]byte(nil), prefix...), instrument...)
}

func upperBound() []byte {
	// "progress0" sorts right after every "progress/..." key.
	ub := append([]byte(nil), prefix...)
	ub[len(ub)-1]++
	return ub
}

func decodeSeq(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("invalid progress record length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
