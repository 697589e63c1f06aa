package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrResetDisabled = errors.New("reset is disabled")

// ResetNotifier is told after the durable state has been wiped, e.g. to move
// command consumers past everything already on the topic.
type ResetNotifier interface {
	OnReset(ctx context.Context) error
}

type drainResetter interface {
	ResetWith(fn func() error) error
}

type progressResetter interface {
	Reset() error
}

type storeResetter interface {
	Reset(ctx context.Context) error
}

// Maintenance performs administrative operations across the engine, the
// loader and the progress store.
type Maintenance struct {
	engine   *Engine
	loader   drainResetter
	progress progressResetter
	store    storeResetter
	notify   []ResetNotifier
	allow    bool
	log      *zap.Logger
}

func NewMaintenance(engine *Engine, loader drainResetter, progress progressResetter, store storeResetter, allow bool, log *zap.Logger, notify ...ResetNotifier) *Maintenance {
	return &Maintenance{
		engine:   engine,
		loader:   loader,
		progress: progress,
		store:    store,
		notify:   notify,
		allow:    allow,
		log:      log.Named("maintenance"),
	}
}

/*
Reset wipes every instrument. Between two loader ticks it clears:

 1. trades and outbox rows
 2. drain progress
 3. processors, WAL segments and snapshots

Notifiers are then called in order and the first failure is returned.

Seqs and trade ids restart at 1, so the store is cleared together with the
WAL. A crash part way leaves either the WAL to be drained again into an
empty store or a wiped engine. Running Reset again completes it.
*/
func (m *Maintenance) Reset(ctx context.Context) error {
	if !m.allow {
		return ErrResetDisabled
	}
	m.log.Warn("resetting matching state", zap.String("event", "ENGINE_RESET_REQUESTED"))

	err := m.loader.ResetWith(func() error {
		if err := m.store.Reset(ctx); err != nil {
			return errors.Wrap(err, "clear store")
		}
		if err := m.progress.Reset(); err != nil {
			return errors.Wrap(err, "reset drain progress")
		}
		return m.engine.Reset()
	})
	if err != nil {
		m.log.Error("reset failed", zap.String("event", "ENGINE_RESET_FAILED"), zap.Error(err))
		return err
	}

	for _, n := range m.notify {
		if err := n.OnReset(ctx); err != nil {
			m.log.Error("reset notification failed", zap.Error(err))
			return errors.Wrap(err, "notify reset")
		}
	}
	m.log.Warn("matching state reset", zap.String("event", "ENGINE_RESET"))
	return nil
}
