package snapshot

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matching/domain/orderbook"
)

func bookWithOrders(t *testing.T, n int) *orderbook.OrderBook {
	t.Helper()
	b := orderbook.New("X")
	for i := 0; i < n; i++ {
		res, err := b.Match(orderbook.Command{
			Kind:       orderbook.CommandNew,
			OrderID:    decimal.NewFromInt(int64(i)).String(),
			Instrument: "X",
			Side:       orderbook.Buy,
			Type:       orderbook.Limit,
			Price:      decimal.NewFromInt(int64(100 - i%3)),
			Quantity:   decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		b.Apply(res)
		b.SetLastSeq(uint64(i + 1))
	}
	return b
}

func TestLoadWithoutSnapshot(t *testing.T) {
	s := NewService(t.TempDir(), "X", 10, nil)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, uint64(0), s.LastSnapshotSeq())
}

func TestWriteThenLoad(t *testing.T) {
	dir := t.TempDir()
	b := bookWithOrders(t, 5)
	s := NewService(dir, "X", 10, nil)

	require.NoError(t, s.WriteSnapshot(5, b, map[int32]int64{0: 41, 3: 7}))

	loaded := NewService(dir, "X", 10, nil)
	st, err := loaded.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, uint64(5), st.LastSeq)
	assert.Equal(t, uint64(5), loaded.LastSnapshotSeq())
	assert.Equal(t, map[int32]int64{0: 41, 3: 7}, st.PartitionOffsets)

	restored := orderbook.New("X")
	require.NoError(t, restored.Restore(st.BookState()))
	assert.Equal(t, b.State(), restored.State())
}

func TestCadence(t *testing.T) {
	b := bookWithOrders(t, 1)
	s := NewService(t.TempDir(), "X", 10, nil)

	for seq := uint64(1); seq < 10; seq++ {
		wrote, err := s.MaybeSnapshot(seq, b, nil)
		require.NoError(t, err)
		assert.False(t, wrote, "seq %d", seq)
	}

	wrote, err := s.MaybeSnapshot(10, b, nil)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, uint64(10), s.LastSnapshotSeq())

	wrote, err = s.MaybeSnapshot(19, b, nil)
	require.NoError(t, err)
	assert.False(t, wrote)

	wrote, err = s.MaybeSnapshot(25, b, nil)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, uint64(25), s.LastSnapshotSeq())
}

func TestFailedWriteKeepsMarker(t *testing.T) {
	b := bookWithOrders(t, 1)
	s := NewService(t.TempDir(), "X", 10, nil)
	s.write = func(string, []byte) error { return errors.New("disk full") }

	wrote, err := s.MaybeSnapshot(10, b, nil)
	assert.Error(t, err)
	assert.False(t, wrote)
	assert.Equal(t, uint64(0), s.LastSnapshotSeq())

	s.write = writeAtomic
	wrote, err = s.MaybeSnapshot(10, b, nil)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir, "X", 10, nil)
	require.NoError(t, s.WriteSnapshot(1, bookWithOrders(t, 1), nil))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), raw[:len(raw)/2], 0o644))

	_, err = NewService(dir, "X", 10, nil).Load()
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir, "X", 10, nil)
	data, err := encode(&State{Instrument: "X", LastSeq: 3})
	require.NoError(t, err)
	// Flip one digit without fixing the checksum.
	tampered := []byte(string(data))
	for i := range tampered {
		if tampered[i] == '3' {
			tampered[i] = '4'
			break
		}
	}
	require.NoError(t, os.WriteFile(s.Path(), tampered, 0o644))

	_, err = s.Load()
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestIncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir, "X", 10, nil)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version":99,"checksum":0,"state":{}}`), 0o644))

	_, err := s.Load()
	assert.True(t, errors.Is(err, ErrIncompatible))
}

func TestRemove(t *testing.T) {
	s := NewService(t.TempDir(), "X", 10, nil)
	require.NoError(t, s.WriteSnapshot(12, bookWithOrders(t, 1), nil))

	require.NoError(t, s.Remove())
	assert.Equal(t, uint64(0), s.LastSnapshotSeq())
	st, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
}
