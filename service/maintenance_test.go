package service

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"matching/domain/orderbook"
)

type fakeLoader struct{ resets int }

func (f *fakeLoader) ResetWith(fn func() error) error {
	f.resets++
	return fn()
}

type fakeProgress struct {
	resets int
	err    error
}

func (f *fakeProgress) Reset() error {
	f.resets++
	return f.err
}

type fakeStore struct {
	resets int
	err    error
}

func (f *fakeStore) Reset(context.Context) error {
	f.resets++
	return f.err
}

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) OnReset(context.Context) error {
	f.calls++
	return f.err
}

func TestResetDisabled(t *testing.T) {
	e := startEngine(t, testConfig(t))
	m := NewMaintenance(e, &fakeLoader{}, &fakeProgress{}, &fakeStore{}, false, zaptest.NewLogger(t))

	err := m.Reset(context.Background())
	assert.True(t, errors.Is(err, ErrResetDisabled))
}

func TestResetWipesEverything(t *testing.T) {
	cfg := testConfig(t)
	e := startEngine(t, cfg)
	mixedFlow(t, e, "X")

	loader, progress, store := &fakeLoader{}, &fakeProgress{}, &fakeStore{}
	n1, n2 := &fakeNotifier{}, &fakeNotifier{}
	m := NewMaintenance(e, loader, progress, store, true, zaptest.NewLogger(t), n1, n2)

	require.NoError(t, m.Reset(context.Background()))
	assert.Equal(t, 1, loader.resets)
	assert.Equal(t, 1, progress.resets)
	assert.Equal(t, 1, store.resets)
	assert.Equal(t, 1, n1.calls)
	assert.Equal(t, 1, n2.calls)
	assert.Empty(t, e.Instruments())

	// A fresh book: the old order id is accepted again and sequencing restarts.
	res, err := e.Submit(context.Background(), limitCmd("X", "b1", orderbook.Buy, "100", "5"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
}

func TestResetStopsAtFirstFailure(t *testing.T) {
	e := startEngine(t, testConfig(t))

	progress := &fakeProgress{err: errors.New("disk gone")}
	n := &fakeNotifier{}
	m := NewMaintenance(e, &fakeLoader{}, progress, &fakeStore{}, true, zaptest.NewLogger(t), n)

	require.Error(t, m.Reset(context.Background()))
	assert.Equal(t, 0, n.calls)

	progress.err = nil
	n.err = errors.New("broker down")
	n2 := &fakeNotifier{}
	m = NewMaintenance(e, &fakeLoader{}, progress, &fakeStore{}, true, zaptest.NewLogger(t), n, n2)
	require.Error(t, m.Reset(context.Background()))
	assert.Equal(t, 0, n2.calls)
}

func TestResetKeepsEngineWhenStoreCannotBeCleared(t *testing.T) {
	cfg := testConfig(t)
	e := startEngine(t, cfg)
	mixedFlow(t, e, "X")

	progress := &fakeProgress{}
	m := NewMaintenance(e, &fakeLoader{}, progress, &fakeStore{err: errors.New("db down")}, true, zaptest.NewLogger(t))

	require.Error(t, m.Reset(context.Background()))
	assert.Equal(t, 0, progress.resets)
	assert.Equal(t, []string{"X"}, e.Instruments())
}
