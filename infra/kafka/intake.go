package kafka

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"matching/domain/orderbook"
	"matching/infra/wal"
	"matching/service"
)

// Engine is what the intake feeds.
type Engine interface {
	Submit(ctx context.Context, cmd orderbook.Command, src *wal.Source) (*service.Result, error)
	Offsets(ctx context.Context) (map[int32]int64, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	SetOffset(offset int64) error
	Close() error
}

type IntakeConfig struct {
	Brokers    []string
	Topic      string
	Partitions []int
	MinBytes   int
	MaxBytes   int
	MaxWait    time.Duration
}

/*
Intake reads the command topic, one reader per partition.

There is no consumer group: the resume point of each partition is the
highest offset found in the WAL, so offsets survive exactly as far as
the commands they carried.
*/
type Intake struct {
	cfg    IntakeConfig
	engine Engine
	log    *zap.Logger

	newReader func(partition int) messageReader
	after     func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	readers map[int]messageReader
	epoch   atomic.Uint64
}

func NewIntake(cfg IntakeConfig, engine Engine, log *zap.Logger) *Intake {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 250 * time.Millisecond
	}
	if len(cfg.Partitions) == 0 {
		cfg.Partitions = []int{0}
	}
	in := &Intake{
		cfg:     cfg,
		engine:  engine,
		log:     log.Named("intake"),
		readers: make(map[int]messageReader),
		after:   time.After,
	}
	in.newReader = func(partition int) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:   in.cfg.Brokers,
			Topic:     in.cfg.Topic,
			Partition: partition,
			MinBytes:  in.cfg.MinBytes,
			MaxBytes:  in.cfg.MaxBytes,
			MaxWait:   in.cfg.MaxWait,
		})
	}
	return in
}

// Run consumes every configured partition until ctx is done. It must start
// after the engine has recovered.
func (in *Intake) Run(ctx context.Context) error {
	offsets, err := in.engine.Offsets(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve resume offsets")
	}

	var wg sync.WaitGroup
	for _, p := range in.cfg.Partitions {
		start := kafka.FirstOffset
		if off, ok := offsets[int32(p)]; ok {
			start = off + 1
		}
		r := in.newReader(p)
		if err := r.SetOffset(start); err != nil {
			in.closeAll()
			return errors.Wrapf(err, "seek partition %d", p)
		}
		in.mu.Lock()
		in.readers[p] = r
		in.mu.Unlock()

		in.log.Info("consuming",
			zap.String("topic", in.cfg.Topic),
			zap.Int("partition", p),
			zap.Int64("offset", start),
		)
		wg.Add(1)
		go func(p int, r messageReader) {
			defer wg.Done()
			in.consume(ctx, p, r)
		}(p, r)
	}

	wg.Wait()
	in.closeAll()
	return nil
}

func (in *Intake) consume(ctx context.Context, partition int, r messageReader) {
	log := in.log.With(zap.Int("partition", partition))
	retry := readBackOff()
	for {
		epoch := in.epoch.Load()
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			wait := retry.NextBackOff()
			log.Warn("reading command topic", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-in.after(wait):
			}
			continue
		}
		retry.Reset()
		if in.epoch.Load() != epoch {
			// Read before a reset; the reader has already been moved on.
			continue
		}
		if err := in.handle(ctx, msg); err != nil {
			return
		}
	}
}

func readBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// handle returns an error only when ctx is done.
func (in *Intake) handle(ctx context.Context, msg kafka.Message) error {
	log := in.log.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	cmd, err := decodeCommand(msg.Value, msg.Time)
	if err != nil {
		log.Warn("dropping command", zap.String("event", "COMMAND_REJECTED"), zap.Error(err))
		return nil
	}
	src := &wal.Source{Partition: int32(msg.Partition), Offset: msg.Offset}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 5 * time.Second

	err = backoff.Retry(func() error {
		_, err := in.engine.Submit(ctx, cmd, src)
		if err == nil {
			return nil
		}
		if isFinal(err) {
			return backoff.Permanent(err)
		}
		log.Warn("submit failed, retrying", zap.String("order_id", cmd.OrderID), zap.Error(err))
		return err
	}, backoff.WithContext(policy, ctx))

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, orderbook.ErrAlreadyProcessed):
		log.Debug("duplicate command", zap.String("order_id", cmd.OrderID))
	default:
		log.Warn("command rejected",
			zap.String("event", "COMMAND_REJECTED"),
			zap.String("order_id", cmd.OrderID),
			zap.String("instrument", cmd.Instrument),
			zap.Error(err),
		)
	}
	return nil
}

// isFinal reports errors that a retry cannot change.
func isFinal(err error) bool {
	return errors.Is(err, orderbook.ErrInvalidCommand) ||
		errors.Is(err, orderbook.ErrAlreadyProcessed) ||
		errors.Is(err, orderbook.ErrOrderNotFound) ||
		errors.Is(err, orderbook.ErrInstrumentMismatch) ||
		errors.Is(err, service.ErrHalted)
}

// OnReset moves every partition to its end, skipping commands issued
// against the state that was just wiped.
func (in *Intake) OnReset(ctx context.Context) error {
	in.epoch.Add(1)
	in.mu.Lock()
	defer in.mu.Unlock()
	for p, r := range in.readers {
		if err := r.SetOffset(kafka.LastOffset); err != nil {
			return errors.Wrapf(err, "rewind partition %d", p)
		}
	}
	in.log.Warn("command consumers moved to topic end", zap.String("event", "CONSUMER_RESET"))
	return nil
}

func (in *Intake) closeAll() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for p, r := range in.readers {
		if err := r.Close(); err != nil {
			in.log.Warn("closing reader", zap.Int("partition", p), zap.Error(err))
		}
		delete(in.readers, p)
	}
}
