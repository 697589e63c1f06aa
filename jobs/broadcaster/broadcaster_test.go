package broadcaster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"matching/domain/orderbook"
	"matching/infra/metrics"
	"matching/infra/sqlstore"
	"matching/infra/wal"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "relay.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stageTrade stages one trade event and one book event.
func stageTrade(t *testing.T, s *sqlstore.Store, seq uint64) {
	t.Helper()
	e := &wal.Entry{
		Seq:        seq,
		Instrument: "X",
		Result: &orderbook.MatchResult{
			Instrument: "X",
			Trades: []orderbook.Trade{{
				ID:           "X-" + decimal.NewFromInt(int64(seq)).String(),
				Instrument:   "X",
				MakerOrderID: "m",
				TakerOrderID: "t",
				TakerSide:    orderbook.Buy,
				Price:        decimal.NewFromInt(100),
				Quantity:     decimal.NewFromInt(1),
				Type:         orderbook.Limit,
			}},
		},
		BookDelta: &orderbook.BookDelta{Instrument: "X"},
	}
	out, err := s.ApplyEntry(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, sqlstore.OutcomeApplied, out)
}

func newTest(t *testing.T, s *sqlstore.Store, p sarama.SyncProducer, retries uint64) *Broadcaster {
	return New(Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, s, p, metrics.NewUnregistered(), zaptest.NewLogger(t))
}

func TestRelayPublishesInOrder(t *testing.T) {
	s := openStore(t)
	stageTrade(t, s, 1)
	stageTrade(t, s, 2)

	var topics, keys []string
	check := func(msg *sarama.ProducerMessage) error {
		topics = append(topics, msg.Topic)
		key, _ := msg.Key.Encode()
		keys = append(keys, string(key))
		for _, h := range msg.Headers {
			if string(h.Key) == "event_id" && len(h.Value) == 0 {
				return errors.New("empty event id")
			}
		}
		return nil
	}
	p := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 4; i++ {
		p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
	}

	b := newTest(t, s, p, 0)
	sent, err := b.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sent)
	assert.Equal(t, []string{
		sqlstore.TopicOrderBookUpdated, sqlstore.TopicTradeExecuted,
		sqlstore.TopicOrderBookUpdated, sqlstore.TopicTradeExecuted,
	}, topics)
	assert.Equal(t, []string{"X", "X-1", "X", "X-2"}, keys)

	// Nothing left to send.
	sent, err = b.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	require.NoError(t, b.Close())
}

func TestRelayRetriesThenStops(t *testing.T) {
	s := openStore(t)
	stageTrade(t, s, 1)

	p := mocks.NewSyncProducer(t, nil)
	p.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	p.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	b := newTest(t, s, p, 1)
	sent, err := b.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, sent)

	pending, err := s.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// The broker recovers on the next pass.
	p.ExpectSendMessageAndSucceed()
	p.ExpectSendMessageAndSucceed()
	sent, err = b.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	require.NoError(t, b.Close())
}

func TestMessageCarriesHeaders(t *testing.T) {
	msg := message(sqlstore.OutboxRecord{
		EventID:       "e1",
		AggregateType: sqlstore.TopicTradeExecuted,
		AggregateID:   "X-1",
		EventType:     sqlstore.EventTradeExecuted,
		Payload:       []byte(`{}`),
		Headers:       map[string]string{"event_type": sqlstore.EventTradeExecuted, "wal_seq": "3"},
	})

	got := make(map[string]string)
	for _, h := range msg.Headers {
		got[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_id":   "e1",
		"event_type": sqlstore.EventTradeExecuted,
		"wal_seq":    "3",
	}, got)
	assert.Len(t, msg.Headers, 3)
}
