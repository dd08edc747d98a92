package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

// LocalPublisher delivers an event to this instance's realtime sessions.
type LocalPublisher interface {
	PublishLocal(ctx context.Context, e models.ChangeEvent) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the cart change topic into the local hub. Every instance uses its own group so
// each one sees every change.
type Consumer struct {
	reader     messageReader
	topic      string
	logger     *zap.Logger
	newBackoff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    1e6, // 1MB
		StartOffset: kafka.LastOffset,
	})
	return newConsumerWithReader(r, topic, logger)
}

func newConsumerWithReader(r messageReader, topic string, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader: r,
		topic:  topic,
		logger: logger.With(zap.String("component", "kafka-consumer"), zap.String("topic", topic)),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run reads until ctx is cancelled. Fetch errors are retried with backoff, since the local hub
// has no other source of change-feed events. Offsets are committed after the event reached the hub.
func (c *Consumer) Run(ctx context.Context, target LocalPublisher) {
	defer c.reader.Close()
	c.logger.Info("consumer started")

	for {
		m, err := c.fetch(ctx)
		if err != nil {
			c.logger.Info("consumer stopped")
			return
		}

		var event models.ChangeEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			c.logger.Warn("invalid cart event", zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := target.PublishLocal(ctx, event); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("publish cart event failed", zap.String("user_id", event.UserID), zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit offset failed", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// fetch returns an error only once ctx is done.
func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	return backoff.RetryNotifyWithData(func() (kafka.Message, error) {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
			return m, backoff.Permanent(err)
		}
		return m, err
	}, backoff.WithContext(c.newBackoff(), ctx), func(err error, wait time.Duration) {
		c.logger.Warn("fetch failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
}
