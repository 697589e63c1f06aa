// Package loader drains committed WAL entries into the relational store.
//
// One Loader runs per process. On every tick it walks the instruments in
// name order and, for each, applies the entries after its cursor one
// transaction at a time. The cursor is persisted once per tick. Snapshots
// are taken here, from a book rebuilt out of drained entries only, so a
// snapshot never gets ahead of the persisted cursor.
package loader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/domain/orderbook"
	"matching/infra/metrics"
	"matching/infra/sqlstore"
	"matching/infra/wal"
	"matching/snapshot"
)

const namedLogger = "wal-loader"

var ErrGap = errors.New("wal sequence gap")

// Source exposes the per-instrument logs of the engine.
type Source interface {
	Instruments() []string
	WAL(instrument string) (*wal.WAL, bool)
	Halt(instrument string, err error)
}

type Store interface {
	ApplyEntry(ctx context.Context, e *wal.Entry) (sqlstore.Outcome, error)
}

type Progress interface {
	Load(instrument string) (uint64, error)
	Save(instrument string, seq uint64) error
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	SnapshotDir       string
	SnapshotInterval  uint64
	ProcessedCapacity int
	PruneWAL          bool
}

// cursor is the drain state of one instrument.
type cursor struct {
	lastSeq   uint64
	persisted uint64
	shadow    *orderbook.OrderBook
	offsets   map[int32]int64
	snapshots *snapshot.Service
	halted    bool
}

type Loader struct {
	cfg      Config
	source   Source
	store    Store
	progress Progress
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu      sync.Mutex
	cursors map[string]*cursor
}

func New(cfg Config, source Source, store Store, progress Progress, m *metrics.Metrics, log *zap.Logger) *Loader {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.ProcessedCapacity <= 0 {
		cfg.ProcessedCapacity = orderbook.DefaultProcessedCapacity
	}
	return &Loader{
		cfg:      cfg,
		source:   source,
		store:    store,
		progress: progress,
		metrics:  m,
		log:      log.Named(namedLogger),
		cursors:  make(map[string]*cursor),
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run ticks until ctx is done. A tick in progress finishes its current entry.
func (l *Loader) Run(ctx context.Context) {
	l.log.Info("started", zap.Duration("interval", l.cfg.Interval))
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick drains every instrument once.
func (l *Loader) Tick(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.source.Instruments()
	sort.Strings(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		l.drain(ctx, id)
	}
}

// Cursor returns the in-memory drain position of an instrument.
func (l *Loader) Cursor(instrument string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cursors[instrument]; ok {
		return c.lastSeq
	}
	return 0
}

// ResetWith runs fn between ticks and then forgets all drain state, so
// cursors are reloaded on the next tick. State is dropped even if fn fails.
func (l *Loader) ResetWith(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.cursors = make(map[string]*cursor) }()
	return fn()
}

// ------------------------------------------------
// DRAIN (CRITICAL)
// ------------------------------------------------

func (l *Loader) drain(ctx context.Context, id string) {
	log := l.log.With(zap.String("instrument", id))

	w, ok := l.source.WAL(id)
	if !ok {
		return
	}
	c, err := l.cursorFor(id, w)
	if err != nil {
		log.Error("cannot resume drain", zap.String("event", "WAL_LOADER_FAILED"), zap.Error(err))
		return
	}
	if c.halted {
		return
	}

	entries, err := w.ReadFrom(c.lastSeq+1, l.cfg.BatchSize)
	if err != nil {
		log.Error("reading wal", zap.String("event", "WAL_LOADER_FAILED"), zap.Error(err))
		if errors.Is(err, wal.ErrCorrupt) {
			l.halt(c, id, err)
		}
		return
	}

	start := c.lastSeq
	for _, e := range entries {
		if e.Seq != c.lastSeq+1 {
			err := errors.Wrapf(ErrGap, "seq %d after %d", e.Seq, c.lastSeq)
			log.Error("wal gap", zap.String("event", "WAL_GAP"), zap.Error(err))
			l.halt(c, id, err)
			break
		}

		// The entry transaction is not abandoned on shutdown.
		outcome, err := l.store.ApplyEntry(context.WithoutCancel(ctx), e)
		l.metrics.LoaderEntries.WithLabelValues(id, outcome.String()).Inc()
		if err != nil {
			log.Error("applying wal entry",
				zap.String("event", "WAL_LOADER_FAILED"),
				zap.Uint64("seq", e.Seq),
				zap.Error(err),
			)
			break
		}
		if outcome == sqlstore.OutcomeDuplicateIgnored {
			log.Warn("wal entry was already drained", zap.String("event", "TRADE_DUPLICATE"), zap.Uint64("seq", e.Seq))
		}

		c.shadow.Apply(e.Result)
		c.shadow.SetLastSeq(e.Seq)
		trackOffset(c.offsets, e.Source)
		c.lastSeq = e.Seq
	}

	// Also retries a save that failed on an earlier tick.
	if c.lastSeq != c.persisted {
		if err := l.progress.Save(id, c.lastSeq); err != nil {
			log.Error("saving drain progress", zap.String("event", "WAL_PROGRESS_SAVE_FAILED"), zap.Error(err))
		} else {
			c.persisted = c.lastSeq
			l.metrics.LoaderCursor.WithLabelValues(id).Set(float64(c.persisted))
			log.Debug("drained", zap.Uint64("from", start+1), zap.Uint64("to", c.lastSeq))
		}
	}

	l.maybeSnapshot(c, id, w, log)
}

// maybeSnapshot runs only when the shadow book sits exactly at the persisted
// cursor.
func (l *Loader) maybeSnapshot(c *cursor, id string, w *wal.WAL, log *zap.Logger) {
	if c.persisted != c.lastSeq || c.persisted == 0 {
		return
	}
	wrote, err := c.snapshots.MaybeSnapshot(c.persisted, c.shadow, c.offsets)
	if err != nil {
		l.metrics.Snapshots.WithLabelValues(id, "failed").Inc()
		log.Warn("snapshot skipped", zap.String("event", "SNAPSHOT_FAILED"), zap.Error(err))
		return
	}
	if !wrote {
		return
	}
	l.metrics.Snapshots.WithLabelValues(id, "written").Inc()

	if l.cfg.PruneWAL {
		removed, err := w.TruncateBefore(c.persisted)
		if err != nil {
			log.Warn("pruning wal", zap.Error(err))
		} else if removed > 0 {
			log.Info("pruned wal segments", zap.Int("segments", removed), zap.Uint64("through", c.persisted))
		}
	}
}

func (l *Loader) halt(c *cursor, id string, err error) {
	c.halted = true
	l.source.Halt(id, err)
}

// ------------------------------------------------
// RESUME
// ------------------------------------------------

// cursorFor loads the persisted cursor of id and rebuilds the drained book:
// snapshot, then WAL entries up to the cursor.
func (l *Loader) cursorFor(id string, w *wal.WAL) (*cursor, error) {
	if c, ok := l.cursors[id]; ok {
		return c, nil
	}

	last, err := l.progress.Load(id)
	if err != nil {
		return nil, err
	}

	c := &cursor{
		lastSeq:   last,
		persisted: last,
		shadow:    orderbook.New(id, orderbook.WithProcessedCapacity(l.cfg.ProcessedCapacity)),
		offsets:   make(map[int32]int64),
		snapshots: snapshot.NewService(l.cfg.SnapshotDir, id, l.cfg.SnapshotInterval, l.log),
	}
	l.cursors[id] = c

	if last > w.LastSeq() {
		err := errors.Wrapf(ErrGap, "drained to %d but wal ends at %d", last, w.LastSeq())
		l.halt(c, id, err)
		return c, nil
	}

	st, err := c.snapshots.Load()
	switch {
	case errors.Is(err, snapshot.ErrIncompatible):
		l.log.Warn("ignoring incompatible snapshot", zap.String("instrument", id), zap.Error(err))
		st = nil
	case err != nil:
		l.halt(c, id, err)
		return c, nil
	}

	from := uint64(1)
	if st != nil && st.LastSeq <= last {
		if err := c.shadow.Restore(st.BookState()); err != nil {
			l.halt(c, id, err)
			return c, nil
		}
		for p, o := range st.PartitionOffsets {
			c.offsets[p] = o
		}
		from = st.LastSeq + 1
	}

	for from <= last {
		entries, err := w.ReadFrom(from, int(min(last-from+1, uint64(l.cfg.BatchSize))))
		if err != nil {
			l.halt(c, id, err)
			return c, nil
		}
		if len(entries) == 0 || entries[0].Seq != from {
			l.halt(c, id, errors.Wrapf(ErrGap, "rebuilding drained book from %d", from))
			return c, nil
		}
		for _, e := range entries {
			c.shadow.Apply(e.Result)
			c.shadow.SetLastSeq(e.Seq)
			trackOffset(c.offsets, e.Source)
		}
		from = entries[len(entries)-1].Seq + 1
	}

	l.metrics.LoaderCursor.WithLabelValues(id).Set(float64(last))
	l.log.Info("resumed", zap.String("instrument", id), zap.Uint64("last_processed_seq", last))
	return c, nil
}

func trackOffset(offsets map[int32]int64, src *wal.Source) {
	if src == nil {
		return
	}
	if cur, ok := offsets[src.Partition]; !ok || src.Offset > cur {
		offsets[src.Partition] = src.Offset
	}
}
