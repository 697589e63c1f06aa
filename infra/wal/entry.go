package wal

import (
	"encoding/json"

	"github.com/pkg/errors"

	"matching/domain/orderbook"
)

// Source locates the inbound message a command came from.
type Source struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

// Entry is one committed command. It is never modified once appended.
type Entry struct {
	Seq        uint64                 `json:"seq"`
	Instrument string                 `json:"instrument"`
	Result     *orderbook.MatchResult `json:"match_result"`
	BookDelta  *orderbook.BookDelta   `json:"order_book_updated,omitempty"`
	Source     *Source                `json:"source,omitempty"`
	AppendedAt int64                  `json:"appended_at"`
}

// Serializer turns entries into frame payloads and back.
type Serializer interface {
	Encode(*Entry) ([]byte, error)
	Decode([]byte) (*Entry, error)
}

type JSONSerializer struct{}

func (JSONSerializer) Encode(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONSerializer) Decode(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "decode wal entry")
	}
	if e.Result == nil {
		return nil, errors.New("wal entry without match result")
	}
	return &e, nil
}
