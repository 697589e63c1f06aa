package sqlstore

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"matching/infra/wal"
)

const (
	TopicTradeExecuted    = "matching.trade-executed"
	TopicOrderBookUpdated = "matching.orderbook-updated"

	EventTradeExecuted    = "TradeExecuted"
	EventOrderBookUpdated = "OrderBookUpdated"

	// Outbox seq is (walSeq << seqShift) + index of the event in its entry.
	seqShift  = 20
	maxEvents = 1 << seqShift
)

var eventNamespace = uuid.MustParse("6f1c1f5e-3c1b-4c55-9f0e-2d8f3a9b7c10")

// OutboxRecord is one staged outbound event.
type OutboxRecord struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	Seq           int64
	CreatedAt     int64
	PublishedAt   *int64
}

// OutboxSeq derives the dedup seq of the index-th event of a WAL entry.
func OutboxSeq(walSeq uint64, index int) int64 {
	return int64(walSeq<<seqShift) + int64(index)
}

// eventID is derived from the dedup key, so re-deriving an entry gives the
// same ids.
func eventID(topic, key string, seq int64) string {
	name := topic + "/" + key + "/" + strconv.FormatInt(seq, 10)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// OutboxRecords stages one event per trade plus one for the book delta.
func OutboxRecords(e *wal.Entry, createdAt int64) ([]OutboxRecord, error) {
	trades := e.Result.Trades
	if len(trades) >= maxEvents {
		return nil, errors.Errorf("entry %d has %d trades, outbox seq space is %d", e.Seq, len(trades), maxEvents)
	}

	out := make([]OutboxRecord, 0, len(trades)+1)
	for i, t := range trades {
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, errors.Wrap(err, "encode trade event")
		}
		seq := OutboxSeq(e.Seq, i)
		out = append(out, OutboxRecord{
			EventID:       eventID(TopicTradeExecuted, t.ID, seq),
			AggregateType: TopicTradeExecuted,
			AggregateID:   t.ID,
			EventType:     EventTradeExecuted,
			Payload:       payload,
			Headers:       headers(e, EventTradeExecuted),
			Seq:           seq,
			CreatedAt:     createdAt,
		})
	}

	if e.BookDelta != nil {
		payload, err := json.Marshal(e.BookDelta)
		if err != nil {
			return nil, errors.Wrap(err, "encode book event")
		}
		seq := OutboxSeq(e.Seq, 0)
		out = append(out, OutboxRecord{
			EventID:       eventID(TopicOrderBookUpdated, e.Instrument, seq),
			AggregateType: TopicOrderBookUpdated,
			AggregateID:   e.Instrument,
			EventType:     EventOrderBookUpdated,
			Payload:       payload,
			Headers:       headers(e, EventOrderBookUpdated),
			Seq:           seq,
			CreatedAt:     createdAt,
		})
	}
	return out, nil
}

func headers(e *wal.Entry, eventType string) map[string]string {
	return map[string]string{
		"event_type": eventType,
		"instrument": e.Instrument,
		"wal_seq":    strconv.FormatUint(e.Seq, 10),
	}
}
