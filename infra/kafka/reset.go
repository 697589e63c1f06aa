package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const EventConsumerResetRequested = "ConsumerResetRequested"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ResetRequest asks downstream consumers of the engine's events to drop
// their positions; the engine's sequences restart at 1.
type ResetRequest struct {
	Type        string `json:"type"`
	RequestedAt int64  `json:"requested_at"`
	Source      string `json:"source"`
}

// ResetPublisher announces an administrative reset on the control topic.
type ResetPublisher struct {
	writer messageWriter
	source string
	log    *zap.Logger
	now    func() time.Time
}

func NewResetPublisher(brokers []string, topic, source string, log *zap.Logger) *ResetPublisher {
	return &ResetPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		source: source,
		log:    log.Named("reset-publisher"),
		now:    time.Now,
	}
}

func (p *ResetPublisher) OnReset(ctx context.Context) error {
	req := ResetRequest{
		Type:        EventConsumerResetRequested,
		RequestedAt: p.now().UnixNano(),
		Source:      p.source,
	}
	value, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode reset request")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.source),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventConsumerResetRequested)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "publish reset request")
	}
	p.log.Info("reset request published", zap.String("event", "CONSUMER_RESET_REQUESTED"))
	return nil
}

func (p *ResetPublisher) Close() error {
	return p.writer.Close()
}
