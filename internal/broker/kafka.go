package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Header names set on every published message
const (
	HeaderEventType = "event-type"
	HeaderEventID   = "event-id"
)

// describedEvent is implemented by event envelopes that embed models.BaseEvent
type describedEvent interface {
	Describe() (id, eventType string)
}

// Producer writes JSON events to a single topic
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a synchronous producer. Messages are hashed by key so
// that all events of one order or intent land on the same partition.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		BatchTimeout:           20 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, logger: util.Named("kafka").With(zap.String("topic", topic))}
}

// PublishEvent marshals event and writes it under key
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{Key: []byte(key), Value: payload, Time: time.Now().UTC()}
	if d, ok := event.(describedEvent); ok {
		id, typ := d.Describe()
		msg.Headers = []kafka.Header{
			{Key: HeaderEventType, Value: []byte(typ)},
			{Key: HeaderEventID, Value: []byte(id)},
		}
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	p.logger.Debug("Published event", zap.String("key", key), zap.Int("bytes", len(payload)))
	return nil
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads a topic as part of a consumer group with explicit commits
type Consumer struct {
	reader         *kafka.Reader
	logger         *zap.Logger
	handlerTimeout time.Duration
	retryPause     time.Duration
	maxAttempts    int
}

// NewConsumer creates a group consumer starting from the earliest uncommitted offset
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:         reader,
		logger:         util.Named("kafka").With(zap.String("topic", topic), zap.String("group", groupID)),
		handlerTimeout: 30 * time.Second,
		retryPause:     time.Second,
		maxAttempts:    5,
	}
}

// Close leaves the group and closes the reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler processes one message
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming blocks until ctx is cancelled. A failed message is retried
// after a pause; once maxAttempts is reached it is logged and committed so a
// poison message cannot stall its partition.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Consumer stopped")
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.Error(err))
			if !c.pause(ctx) {
				return ctx.Err()
			}
			continue
		}

		for attempt := 1; ; attempt++ {
			err := c.handle(ctx, handler, msg)
			if err == nil {
				break
			}
			fields := []zap.Field{
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.String("event_type", header(msg, HeaderEventType)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			}
			if attempt >= c.maxAttempts {
				c.logger.Error("Giving up on message", fields...)
				break
			}
			c.logger.Warn("Error handling message", fields...)
			if !c.pause(ctx) {
				return ctx.Err()
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Error committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()
	return handler(hctx, msg)
}

func (c *Consumer) pause(ctx context.Context) bool {
	t := time.NewTimer(c.retryPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
