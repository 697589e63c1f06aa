package snapshot

import (
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"matching/domain/orderbook"
)

const SchemaVersion = 1

var (
	ErrCorrupt      = errors.New("snapshot unreadable")
	ErrIncompatible = errors.New("snapshot schema version not supported")
)

// State is a consistent cut of one book as of LastSeq.
type State struct {
	Instrument        string            `json:"instrument"`
	LastSeq           uint64            `json:"last_seq"`
	TradeCounter      uint64            `json:"trade_counter"`
	OpenOrders        []orderbook.Order `json:"open_orders"`
	ProcessedOrderIDs []string          `json:"processed_order_ids"`
	PartitionOffsets  map[int32]int64   `json:"partition_offsets"`
	CreatedAt         time.Time         `json:"created_at"`
}

// BookState is the part of s a book restores from.
func (s *State) BookState() orderbook.State {
	return orderbook.State{
		Instrument:   s.Instrument,
		LastSeq:      s.LastSeq,
		TradeCounter: s.TradeCounter,
		OpenOrders:   s.OpenOrders,
		ProcessedIDs: s.ProcessedOrderIDs,
	}
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum uint32          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

func encode(s *State) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot state")
	}
	return json.Marshal(envelope{
		Version:  SchemaVersion,
		Checksum: crc32.ChecksumIEEE(body),
		State:    body,
	})
}

func decode(raw []byte) (*State, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if env.Version != SchemaVersion {
		return nil, errors.Wrapf(ErrIncompatible, "version %d", env.Version)
	}
	if crc32.ChecksumIEEE(env.State) != env.Checksum {
		return nil, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	var s State
	if err := json.Unmarshal(env.State, &s); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	return &s, nil
}

// writeAtomic replaces path with data: temp file, fsync, rename, fsync dir.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot dir")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp snapshot")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename snapshot")
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
