package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
)

// Sink receives every decoded batch. An error means the batch was not delivered; the relay
// retries the same batch and does not advance the checkpoint.
type Sink interface {
	Deliver(ctx context.Context, events []models.ChangeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []models.ChangeEvent) error

func (f SinkFunc) Deliver(ctx context.Context, events []models.ChangeEvent) error {
	return f(ctx, events)
}

// EventPublisher publishes one event at a time (the realtime hub).
type EventPublisher interface {
	Publish(ctx context.Context, e models.ChangeEvent) error
}

// PublisherSink feeds batches into an EventPublisher in order.
type PublisherSink struct {
	Publisher EventPublisher
}

func (s PublisherSink) Deliver(ctx context.Context, events []models.ChangeEvent) error {
	for _, e := range events {
		if err := s.Publisher.Publish(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// MultiSink delivers to every sink. A retried batch is delivered again to all of them, so
// downstream consumers must tolerate duplicates.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, events []models.ChangeEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SNSSink publishes each batch to an SNS topic with event_type and user_id attributes. On a
// FIFO topic events are grouped by user and deduplicated by stream sequence number, so a
// redelivered batch is not published twice within the topic's deduplication window.
type SNSSink struct {
	publisher aws_pkg.SNSPublisher
	topicArn  string
}

func NewSNSSink(publisher aws_pkg.SNSPublisher, topicArn string) *SNSSink {
	return &SNSSink{publisher: publisher, topicArn: topicArn}
}

func (s *SNSSink) Deliver(ctx context.Context, events []models.ChangeEvent) error {
	msgs := make([]aws_pkg.SNSMessage, 0, len(events))
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event for sns: %w", err)
		}
		msgs = append(msgs, aws_pkg.SNSMessage{
			Body:            body,
			Attributes:      map[string]string{"event_type": e.MessageType(), "user_id": e.UserID},
			GroupID:         e.UserID,
			DeduplicationID: e.SequenceNumber,
		})
	}
	return s.publisher.PublishBatch(ctx, s.topicArn, msgs)
}

// DeadLetter parks records the relay had to skip.
type DeadLetter interface {
	Park(ctx context.Context, shardID string, rec types.Record, cause error) error
}

// MessageSender sends one message to a queue.
type MessageSender interface {
	SendMessage(ctx context.Context, body string, attributes map[string]string) error
}

type deadLetterBody struct {
	ShardID        string         `json:"shard_id"`
	SequenceNumber string         `json:"sequence_number,omitempty"`
	EventName      string         `json:"event_name"`
	Error          string         `json:"error"`
	Image          map[string]any `json:"image,omitempty"`
	ParkedAt       time.Time      `json:"parked_at"`
}

// SQSDeadLetter sends skipped records to an SQS queue for inspection.
type SQSDeadLetter struct {
	queue MessageSender
}

func NewSQSDeadLetter(queue MessageSender) *SQSDeadLetter {
	return &SQSDeadLetter{queue: queue}
}

func (d *SQSDeadLetter) Park(ctx context.Context, shardID string, rec types.Record, cause error) error {
	body := deadLetterBody{
		ShardID:   shardID,
		EventName: string(rec.EventName),
		Error:     cause.Error(),
		Image:     recordImage(rec),
		ParkedAt:  time.Now().UTC(),
	}
	if rec.Dynamodb != nil && rec.Dynamodb.SequenceNumber != nil {
		body.SequenceNumber = *rec.Dynamodb.SequenceNumber
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return d.queue.SendMessage(ctx, string(raw), map[string]string{aws_pkg.GroupAttribute: shardID})
}
