package service

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/domain/orderbook"
	"matching/infra/metrics"
	"matching/infra/wal"
	"matching/snapshot"
)

const namedLogger = "engine"

var ErrUnknownInstrument = errors.New("unknown instrument")

type Config struct {
	DataDir           string
	SegmentSize       int64
	QueueSize         int
	ProcessedCapacity int
	ReplayBatch       int
	SnapshotInterval  uint64
}

func (c Config) WALDir() string      { return filepath.Join(c.DataDir, "wal") }
func (c Config) SnapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }

/*
Engine routes commands to per-instrument processors.

Processors are discovered from the WAL directory at Start and created
on the first command for a new instrument.
*/
type Engine struct {
	cfg     Config
	metrics *metrics.Metrics
	log     *zap.Logger

	mu         sync.RWMutex
	processors map[string]*Processor
	onHalt     func(instrument string, err error)
}

func NewEngine(cfg Config, m *metrics.Metrics, log *zap.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = 1000
	}
	if cfg.ProcessedCapacity <= 0 {
		cfg.ProcessedCapacity = orderbook.DefaultProcessedCapacity
	}
	return &Engine{
		cfg:        cfg,
		metrics:    m,
		log:        log.Named(namedLogger),
		processors: make(map[string]*Processor),
	}
}

// OnHalt registers a callback for instruments that stop accepting commands.
func (e *Engine) OnHalt(fn func(instrument string, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onHalt = fn
}

// ---------------- Lifecycle ----------------

// Start recovers every instrument found on disk. It MUST complete before
// any command is accepted. A corrupted instrument is halted, not fatal.
func (e *Engine) Start() error {
	if err := os.MkdirAll(e.cfg.WALDir(), 0o755); err != nil {
		return errors.Wrap(err, "create wal root")
	}
	dirs, err := os.ReadDir(e.cfg.WALDir())
	if err != nil {
		return errors.Wrap(err, "scan wal root")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id, err := url.PathUnescape(d.Name())
		if err != nil {
			e.log.Warn("skipping unexpected wal dir", zap.String("dir", d.Name()))
			continue
		}
		e.processors[id] = e.open(id)
	}
	e.log.Info("engine started", zap.Int("instruments", len(e.processors)))
	return nil
}

// open creates, recovers and starts the processor of id. Recovery failures
// leave the processor halted.
func (e *Engine) open(id string) *Processor {
	log := e.log.Named("processor")
	book := orderbook.New(id, orderbook.WithProcessedCapacity(e.cfg.ProcessedCapacity))

	w, err := wal.Open(wal.Config{
		Dir:         filepath.Join(e.cfg.WALDir(), url.PathEscape(id)),
		SegmentSize: e.cfg.SegmentSize,
		Logger:      log.With(zap.String("instrument", id)),
	})
	p := newProcessor(id, book, w, e.cfg.QueueSize, e.metrics, log)
	if err != nil {
		p.halt(errors.Wrap(err, "open wal"))
	} else {
		snaps := snapshot.NewService(e.cfg.SnapshotDir(), id, e.cfg.SnapshotInterval, log)
		if err := p.recover(snaps, e.cfg.ReplayBatch); err != nil {
			p.halt(errors.Wrap(err, "recover"))
		}
	}
	p.start()
	return p
}

// Stop drains and stops every processor and closes the WALs.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopAll()
}

func (e *Engine) stopAll() {
	for id, p := range e.processors {
		p.stop()
		if p.wal != nil {
			if err := p.wal.Close(); err != nil {
				e.log.Warn("closing wal", zap.String("instrument", id), zap.Error(err))
			}
		}
	}
}

// Reset stops every processor and deletes all WAL and snapshot data. The
// engine is empty and accepting commands afterwards.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, p := range e.processors {
		p.stop()
		log := e.log.With(zap.String("instrument", id))
		if p.wal != nil {
			if err := p.wal.Reset(); err != nil {
				log.Warn("resetting wal", zap.Error(err))
			}
			_ = p.wal.Close()
		}
		snaps := snapshot.NewService(e.cfg.SnapshotDir(), id, e.cfg.SnapshotInterval, log)
		if err := snaps.Remove(); err != nil {
			log.Warn("removing snapshot", zap.Error(err))
		}
	}
	e.processors = make(map[string]*Processor)

	// Whatever is left, including instruments whose WAL never opened.
	if err := os.RemoveAll(e.cfg.WALDir()); err != nil {
		return errors.Wrap(err, "remove wal data")
	}
	if err := os.RemoveAll(e.cfg.SnapshotDir()); err != nil {
		return errors.Wrap(err, "remove snapshots")
	}
	if err := os.MkdirAll(e.cfg.WALDir(), 0o755); err != nil {
		return errors.Wrap(err, "create wal root")
	}
	e.log.Warn("engine state reset", zap.String("event", "ENGINE_RESET"))
	return nil
}

// ---------------- Routing ----------------

func (e *Engine) processor(id string) (*Processor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.processors[id]
	return p, ok
}

func (e *Engine) processorOrCreate(id string) *Processor {
	if p, ok := e.processor(id); ok {
		return p
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.processors[id]; ok {
		return p
	}
	p := e.open(id)
	e.processors[id] = p
	return p
}

// Submit runs cmd on its instrument's processor.
func (e *Engine) Submit(ctx context.Context, cmd orderbook.Command, src *wal.Source) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Kind == orderbook.CommandCancel {
		p, ok := e.processor(cmd.Instrument)
		if !ok {
			return nil, errors.Wrapf(orderbook.ErrOrderNotFound, "cancel %s", cmd.OrderID)
		}
		return p.Submit(ctx, cmd, src)
	}
	return e.processorOrCreate(cmd.Instrument).Submit(ctx, cmd, src)
}

func (e *Engine) Depth(ctx context.Context, instrument string, levels int) (orderbook.Depth, error) {
	p, ok := e.processor(instrument)
	if !ok {
		return orderbook.Depth{}, errors.Wrap(ErrUnknownInstrument, instrument)
	}
	return p.Depth(ctx, levels)
}

func (e *Engine) State(ctx context.Context, instrument string) (orderbook.State, error) {
	p, ok := e.processor(instrument)
	if !ok {
		return orderbook.State{}, errors.Wrap(ErrUnknownInstrument, instrument)
	}
	return p.State(ctx)
}

// Offsets returns, per partition, the highest source offset any instrument
// has applied. Intake resumes right after it.
func (e *Engine) Offsets(ctx context.Context) (map[int32]int64, error) {
	out := make(map[int32]int64)
	for _, p := range e.snapshotProcessors() {
		if p.Halted() != nil {
			continue
		}
		offs, err := p.Offsets(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range offs {
			if cur, ok := out[k]; !ok || v > cur {
				out[k] = v
			}
		}
	}
	return out, nil
}

func (e *Engine) snapshotProcessors() []*Processor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Processor, 0, len(e.processors))
	for _, p := range e.processors {
		out = append(out, p)
	}
	return out
}

// ---------------- Loader source ----------------

func (e *Engine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.processors))
	for id := range e.processors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) WAL(instrument string) (*wal.WAL, bool) {
	p, ok := e.processor(instrument)
	if !ok || p.wal == nil {
		return nil, false
	}
	return p.wal, true
}

// Halt stops an instrument from accepting commands until the data is
// repaired and the process restarted (or the engine reset).
func (e *Engine) Halt(instrument string, err error) {
	p, ok := e.processor(instrument)
	if !ok {
		return
	}
	p.halt(err)

	e.mu.RLock()
	fn := e.onHalt
	e.mu.RUnlock()
	if fn != nil {
		fn(instrument, err)
	}
}

// Halted lists halted instruments with their cause.
func (e *Engine) Halted() map[string]error {
	out := make(map[string]error)
	for _, p := range e.snapshotProcessors() {
		if err := p.Halted(); err != nil {
			out[p.Instrument()] = err
		}
	}
	return out
}
