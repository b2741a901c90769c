// Package events publishes persisted envelopes to Kafka and consumes them
// again for downstream projections.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every envelope keyed by conversation id, so one
// conversation always lands on one partition and stays ordered.
type KafkaPublisher struct {
	w      writer
	logger zerolog.Logger
}

// NewKafkaPublisher builds an async writer. Delivery errors are reported
// through the logger; Publish itself only fails on encoding.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	logger = logger.With().Str("component", "kafka-publisher").Str("topic", topic).Logger()
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn().Err(err).Int("messages", len(msgs)).Msg("kafka write failed")
			}
		},
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w writer, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %d: %w", env.ID, err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.ConversationID),
		Value: b,
		Time:  env.CreatedAt,
	})
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

type reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads published envelopes in a consumer group.
type Consumer struct {
	r      reader
	logger zerolog.Logger
	retry  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, logger zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return newConsumer(r, logger)
}

func newConsumer(r reader, logger zerolog.Logger) *Consumer {
	return &Consumer{r: r, logger: logger.With().Str("component", "kafka-consumer").Logger(), retry: time.Second}
}

// Run hands each envelope to handle until ctx ends. Undecodable records and
// handler errors are logged and skipped.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, model.Envelope) error) error {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Dur("retry", c.retry).Msg("read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retry):
			}
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			c.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable record")
			continue
		}
		if err := handle(ctx, env); err != nil {
			c.logger.Error().Err(err).Int64("id", env.ID).Msg("handler failed")
		}
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}
