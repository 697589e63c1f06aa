package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"matching/domain/orderbook"
	"matching/infra/wal"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "matching.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entryWithTrades(seq uint64, n int) *wal.Entry {
	res := &orderbook.MatchResult{Instrument: "X", Trades: []orderbook.Trade{}}
	for i := 0; i < n; i++ {
		res.Trades = append(res.Trades, orderbook.Trade{
			ID:           "X-" + decimal.NewFromInt(int64(seq*10)+int64(i)).String(),
			Instrument:   "X",
			MakerOrderID: "m",
			TakerOrderID: "t",
			TakerSide:    orderbook.Sell,
			Price:        decimal.RequireFromString("100.5"),
			Quantity:     decimal.NewFromInt(1),
			Type:         orderbook.Market,
			ExecutedAt:   42,
		})
	}
	return &wal.Entry{
		Seq:        seq,
		Instrument: "X",
		Result:     res,
		BookDelta: &orderbook.BookDelta{
			Instrument: "X",
			Changes: []orderbook.LevelChange{
				{Side: orderbook.Buy, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)},
			},
		},
	}
}

func TestApplyEntryStagesTradesAndEvents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	out, err := s.ApplyEntry(ctx, entryWithTrades(1, 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	trades, err := s.Trades(ctx, "X")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, orderbook.Market, trades[0].Type)
	assert.Equal(t, orderbook.Sell, trades[0].TakerSide)

	rows, err := s.Outbox(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	keys := make(map[string]bool)
	for _, r := range rows {
		k := r.AggregateType + "|" + r.AggregateID + "|" + decimal.NewFromInt(r.Seq).String()
		assert.False(t, keys[k], "duplicate dedup key %s", k)
		keys[k] = true
		assert.Equal(t, "1", r.Headers["wal_seq"])
	}
}

func TestApplyEntryTwiceIsDuplicate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	e := entryWithTrades(7, 3)

	out, err := s.ApplyEntry(ctx, e)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	out, err = s.ApplyEntry(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateIgnored, out)

	trades, err := s.Trades(ctx, "X")
	require.NoError(t, err)
	assert.Len(t, trades, 3)
	rows, err := s.Outbox(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestEntryWithoutTradesOrDelta(t *testing.T) {
	s := openTest(t)
	e := entryWithTrades(2, 0)
	e.BookDelta = nil

	out, err := s.ApplyEntry(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestPendingAndMarkPublished(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	_, err := s.ApplyEntry(ctx, entryWithTrades(1, 1))
	require.NoError(t, err)

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPublished(ctx, pending[0].EventID, 99))

	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResetClearsTradesAndOutbox(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	_, err := s.ApplyEntry(ctx, entryWithTrades(1, 2))
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	trades, err := s.Trades(ctx, "X")
	require.NoError(t, err)
	assert.Empty(t, trades)
	events, err := s.Outbox(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The same keys are accepted again.
	out, err := s.ApplyEntry(ctx, entryWithTrades(1, 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestOutboxRecordsAreDeterministic(t *testing.T) {
	e := entryWithTrades(5, 2)

	a, err := OutboxRecords(e, 1)
	require.NoError(t, err)
	b, err := OutboxRecords(e, 2)
	require.NoError(t, err)

	require.Len(t, a, 3)
	for i := range a {
		assert.Equal(t, a[i].EventID, b[i].EventID)
		assert.Equal(t, a[i].Seq, b[i].Seq)
	}
	assert.Equal(t, OutboxSeq(5, 0), a[0].Seq)
	assert.Equal(t, OutboxSeq(5, 1), a[1].Seq)
	assert.Equal(t, TopicOrderBookUpdated, a[2].AggregateType)
	assert.Equal(t, "X", a[2].AggregateID)
}

func TestRebind(t *testing.T) {
	s := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT $1, $2", s.rebind("SELECT ?, ?"))
	s.driver = DriverSQLite
	assert.Equal(t, "SELECT ?, ?", s.rebind("SELECT ?, ?"))
}
