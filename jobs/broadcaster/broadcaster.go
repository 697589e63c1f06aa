// Package broadcaster relays staged outbox events to the message bus.
//
// Events are published in staging order. A send that still fails after its
// retries stops the pass, so no later event for the same key overtakes it.
package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"matching/infra/metrics"
	"matching/infra/sqlstore"
)

const namedLogger = "relay"

// Outbox is the relay's view of the store.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]sqlstore.OutboxRecord, error)
	MarkPublished(ctx context.Context, eventID string, at int64) error
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries uint64
	// InitialBackoff is the first retry delay; it doubles up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Broadcaster struct {
	cfg      Config
	outbox   Outbox
	producer sarama.SyncProducer
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

// NewProducer dials the brokers with settings that keep per-key order.
func NewProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return producer, nil
}

func New(cfg Config, outbox Outbox, producer sarama.SyncProducer, m *metrics.Metrics, log *zap.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Broadcaster{
		cfg:      cfg,
		outbox:   outbox,
		producer: producer,
		metrics:  m,
		log:      log.Named(namedLogger),
		now:      time.Now,
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

func (b *Broadcaster) Run(ctx context.Context) {
	b.log.Info("started", zap.Duration("interval", b.cfg.Interval))
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("stopped")
			return
		case <-ticker.C:
			if _, err := b.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				b.log.Warn("relay pass interrupted", zap.Error(err))
			}
		}
	}
}

// ------------------------------------------------
// RELAY (CRITICAL)
// ------------------------------------------------

// RelayOnce publishes one batch of pending events and returns how many were
// marked published.
func (b *Broadcaster) RelayOnce(ctx context.Context) (int, error) {
	pending, err := b.outbox.PendingOutbox(ctx, b.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range pending {
		if err := b.publish(ctx, rec); err != nil {
			b.metrics.RelayMessages.WithLabelValues(rec.AggregateType, "failed").Inc()
			b.log.Error("publishing outbox event",
				zap.String("event", "OUTBOX_PUBLISH_FAILED"),
				zap.String("event_id", rec.EventID),
				zap.String("topic", rec.AggregateType),
				zap.Error(err),
			)
			return sent, err
		}
		b.metrics.RelayMessages.WithLabelValues(rec.AggregateType, "published").Inc()

		// A crash before this update republishes the event; consumers
		// dedupe on the event id header.
		if err := b.outbox.MarkPublished(ctx, rec.EventID, b.now().UnixNano()); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		b.log.Debug("relayed", zap.Int("events", sent))
	}
	return sent, nil
}

func (b *Broadcaster) publish(ctx context.Context, rec sqlstore.OutboxRecord) error {
	msg := message(rec)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.InitialBackoff
	policy.MaxInterval = b.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	op := func() error {
		_, _, err := b.producer.SendMessage(msg)
		return err
	}
	notify := func(err error, next time.Duration) {
		b.log.Warn("retrying outbox event",
			zap.String("event_id", rec.EventID),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, b.cfg.MaxRetries), ctx), notify)
}

func message(rec sqlstore.OutboxRecord) *sarama.ProducerMessage {
	hdrs := make([]sarama.RecordHeader, 0, len(rec.Headers)+2)
	hdrs = append(hdrs,
		sarama.RecordHeader{Key: []byte("event_id"), Value: []byte(rec.EventID)},
		sarama.RecordHeader{Key: []byte("event_type"), Value: []byte(rec.EventType)},
	)
	for k, v := range rec.Headers {
		if k == "event_type" {
			continue
		}
		hdrs = append(hdrs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return &sarama.ProducerMessage{
		Topic:   rec.AggregateType,
		Key:     sarama.StringEncoder(rec.AggregateID),
		Value:   sarama.ByteEncoder(rec.Payload),
		Headers: hdrs,
	}
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
