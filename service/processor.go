package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/domain/orderbook"
	"matching/infra/metrics"
	"matching/infra/wal"
)

var (
	ErrHalted  = errors.New("instrument halted")
	ErrStopped = errors.New("processor stopped")
)

// Result is an acknowledged command.
type Result struct {
	Seq   uint64
	Match *orderbook.MatchResult
	Delta *orderbook.BookDelta
}

/*
Processor is the ONLY writer of one instrument's book and WAL.

Every access to the book, reads included, runs as a task on the
processor goroutine.
*/
type Processor struct {
	instrument string
	book       *orderbook.OrderBook
	wal        *wal.WAL
	offsets    map[int32]int64

	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	done   chan struct{}

	haltMu  sync.Mutex
	haltErr error
}

func newProcessor(instrument string, book *orderbook.OrderBook, w *wal.WAL, queue int, m *metrics.Metrics, log *zap.Logger) *Processor {
	return &Processor{
		instrument: instrument,
		book:       book,
		wal:        w,
		offsets:    make(map[int32]int64),
		metrics:    m,
		log:        log.With(zap.String("instrument", instrument)),
		tasks:      make(chan func(), queue),
		done:       make(chan struct{}),
	}
}

func (p *Processor) Instrument() string { return p.instrument }

func (p *Processor) start() {
	go func() {
		defer close(p.done)
		for fn := range p.tasks {
			fn()
		}
	}()
}

// stop rejects new tasks, runs the queued ones and waits for the goroutine.
func (p *Processor) stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Processor) enqueue(ctx context.Context, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the processor goroutine. Once fn is queued, do waits for it
// regardless of ctx.
func (p *Processor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := p.enqueue(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// Submit matches cmd, makes it durable and applies it.
func (p *Processor) Submit(ctx context.Context, cmd orderbook.Command, src *wal.Source) (*Result, error) {
	var (
		res *Result
		err error
	)
	if qerr := p.do(ctx, func() { res, err = p.apply(cmd, src) }); qerr != nil {
		return nil, qerr
	}
	return res, err
}

func (p *Processor) apply(cmd orderbook.Command, src *wal.Source) (*Result, error) {
	if err := p.Halted(); err != nil {
		p.metrics.Commands.WithLabelValues(p.instrument, "halted").Inc()
		return nil, errors.Wrap(ErrHalted, err.Error())
	}

	m, err := p.book.Match(cmd)
	if err != nil {
		result := "rejected"
		if errors.Is(err, orderbook.ErrAlreadyProcessed) {
			result = "duplicate"
		}
		p.metrics.Commands.WithLabelValues(p.instrument, result).Inc()
		return nil, err
	}
	delta := p.book.Delta(m)

	start := time.Now()
	e, err := p.wal.Append(m, delta, src)
	if err != nil {
		p.metrics.Commands.WithLabelValues(p.instrument, "failed").Inc()
		if errors.Is(err, wal.ErrBroken) {
			p.halt(err)
		}
		p.log.Error("wal append failed", zap.String("order_id", cmd.OrderID), zap.Error(err))
		return nil, errors.Wrap(err, "append to wal")
	}
	p.metrics.WALAppendSeconds.Observe(time.Since(start).Seconds())
	p.metrics.WALAppends.WithLabelValues(p.instrument).Inc()

	p.book.Apply(m)
	p.book.SetLastSeq(e.Seq)
	trackOffset(p.offsets, src)
	p.metrics.Commands.WithLabelValues(p.instrument, "accepted").Inc()

	return &Result{Seq: e.Seq, Match: m, Delta: delta}, nil
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

func (p *Processor) Depth(ctx context.Context, levels int) (orderbook.Depth, error) {
	var d orderbook.Depth
	err := p.do(ctx, func() { d = p.book.Depth(levels) })
	return d, err
}

// State copies the book as of its last applied seq.
func (p *Processor) State(ctx context.Context) (orderbook.State, error) {
	var s orderbook.State
	err := p.do(ctx, func() { s = p.book.State() })
	return s, err
}

// Offsets returns the highest source offset applied per partition.
func (p *Processor) Offsets(ctx context.Context) (map[int32]int64, error) {
	out := make(map[int32]int64)
	err := p.do(ctx, func() {
		for k, v := range p.offsets {
			out[k] = v
		}
	})
	return out, err
}

//
// ──────────────────────────────────────────────────────────
// Halting
// ──────────────────────────────────────────────────────────
//

// Halted returns the error that stopped the instrument, nil when healthy.
func (p *Processor) Halted() error {
	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	return p.haltErr
}

func (p *Processor) halt(err error) {
	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	if p.haltErr == nil {
		p.haltErr = err
		p.log.Error("instrument halted", zap.String("event", "ENGINE_HALTED"), zap.Error(err))
	}
}

func trackOffset(offsets map[int32]int64, src *wal.Source) {
	if src == nil {
		return
	}
	if cur, ok := offsets[src.Partition]; !ok || src.Offset > cur {
		offsets[src.Partition] = src.Offset
	}
}
