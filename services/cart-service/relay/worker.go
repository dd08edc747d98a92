package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/cenkalti/backoff/v4"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

// worker reads one leased shard.
type worker struct {
	relay      *Relay
	shardID    string
	key        string
	checkpoint string
	logger     *zap.Logger
}

// run polls the shard until it is exhausted (true), the lease is lost or ctx is cancelled.
func (w *worker) run(ctx context.Context) bool {
	r := w.relay
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.renew(ctx, cancel)

	iterator, err := w.iterator(ctx)
	if err != nil {
		w.stopOn(err)
		return false
	}

	readBackoff := w.newBackoff()
	for {
		if ctx.Err() != nil {
			return false
		}

		out, err := r.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: aws.String(iterator),
			Limit:         aws.Int32(r.cfg.MaxItems),
		})
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			var expired *types.ExpiredIteratorException
			if errors.As(err, &expired) {
				w.logger.Info("shard iterator expired, resuming from checkpoint")
				if iterator, err = w.iterator(ctx); err != nil {
					w.stopOn(err)
					return false
				}
				continue
			}
			var trimmed *types.TrimmedDataAccessException
			if errors.As(err, &trimmed) {
				// The checkpoint fell out of the retention window; nothing older can be read
				w.logger.Warn("checkpoint trimmed, restarting shard from trim horizon", zap.String("checkpoint", w.checkpoint))
				w.checkpoint = ""
				if iterator, err = w.iterator(ctx); err != nil {
					w.stopOn(err)
					return false
				}
				continue
			}
			if isFatal(err) {
				r.fail(fmt.Errorf("read shard %s: %w", w.shardID, err))
				return false
			}
			wait := readBackoff.NextBackOff()
			w.logger.Warn("get records failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
			if !sleep(ctx, wait) {
				return false
			}
			continue
		}
		readBackoff.Reset()

		if len(out.Records) > 0 {
			if err := w.process(ctx, out.Records); err != nil {
				w.stopOn(err)
				return false
			}
		}

		if out.NextShardIterator == nil {
			if err := w.commit(ctx, ShardEnd); err != nil {
				w.stopOn(err)
				return false
			}
			w.logger.Info("shard finished")
			return true
		}
		iterator = *out.NextShardIterator

		if len(out.Records) == 0 && !sleep(ctx, r.cfg.PollInterval) {
			return false
		}
	}
}

// process decodes a batch, delivers it and then checkpoints its last sequence number.
// Malformed records are parked and skipped; the checkpoint still moves past them.
func (w *worker) process(ctx context.Context, records []types.Record) error {
	r := w.relay
	start := time.Now()

	events := make([]models.ChangeEvent, 0, len(records))
	var last string
	for _, rec := range records {
		if rec.Dynamodb != nil && rec.Dynamodb.SequenceNumber != nil {
			last = *rec.Dynamodb.SequenceNumber
		}
		event, err := decodeRecord(rec)
		if err != nil {
			w.skip(ctx, rec, err)
			continue
		}
		events = append(events, event)
	}

	if len(events) > 0 {
		if err := w.deliver(ctx, events); err != nil {
			return err
		}
		r.metrics.RecordAsync(aws_pkg.MetricChangesRelayed, float64(len(events)), map[string]string{"Processor": r.cfg.ProcessorName})
	}
	if last == "" {
		return nil
	}
	if err := w.commit(ctx, last); err != nil {
		return err
	}

	if r.metrics.IsEnabled() {
		go func(d time.Duration) {
			mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.metrics.RecordLatency(mctx, aws_pkg.MetricRelayBatchLatency, d, map[string]string{"Processor": r.cfg.ProcessorName})
		}(time.Since(start))
	}
	w.logger.Debug("batch relayed", zap.Int("records", len(records)), zap.Int("events", len(events)), zap.String("checkpoint", last))
	return nil
}

// deliver retries until the sink accepts the batch. A batch is never dropped; only
// cancellation ends the loop.
func (w *worker) deliver(ctx context.Context, events []models.ChangeEvent) error {
	r := w.relay
	op := func() error {
		return r.sink.Deliver(ctx, events)
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("batch delivery failed, retrying",
			zap.Int("events", len(events)),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		r.metrics.RecordAsync(aws_pkg.MetricRelayDeliveryRetries, 1, map[string]string{"Processor": r.cfg.ProcessorName})
	}
	return backoff.RetryNotify(op, backoff.WithContext(w.newBackoff(), ctx), notify)
}

// commit checkpoints seq, retrying transient store errors. A lost lease ends the worker.
func (w *worker) commit(ctx context.Context, seq string) error {
	r := w.relay
	op := func() error {
		err := r.leases.Checkpoint(ctx, w.key, r.cfg.InstanceName, seq, r.cfg.LeaseTTL)
		if errors.Is(err, ErrLeaseLost) || isFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("checkpoint failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(w.newBackoff(), ctx), notify); err != nil {
		return err
	}
	w.checkpoint = seq
	return nil
}

func (w *worker) skip(ctx context.Context, rec types.Record, cause error) {
	r := w.relay
	fields := []zap.Field{zap.String("event_name", string(rec.EventName)), zap.Error(cause)}
	if rec.Dynamodb != nil && rec.Dynamodb.SequenceNumber != nil {
		fields = append(fields, zap.String("sequence_number", *rec.Dynamodb.SequenceNumber))
	}
	w.logger.Error("skipping malformed record", fields...)
	r.metrics.RecordAsync(aws_pkg.MetricRelayMalformed, 1, map[string]string{"Processor": r.cfg.ProcessorName})

	if r.dlq == nil {
		return
	}
	if err := r.dlq.Park(ctx, w.shardID, rec, cause); err != nil {
		w.logger.Error("dead letter failed", append(fields, zap.NamedError("dlq_error", err))...)
	}
}

// iterator positions a new iterator right after the checkpoint, or at the oldest retained
// record when the shard has never been checkpointed.
func (w *worker) iterator(ctx context.Context) (string, error) {
	r := w.relay
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(r.cfg.StreamARN),
		ShardId:   aws.String(w.shardID),
	}
	if w.checkpoint != "" {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.SequenceNumber = aws.String(w.checkpoint)
	} else {
		in.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	}

	var iterator string
	op := func() error {
		out, err := r.streams.GetShardIterator(ctx, in)
		if err != nil {
			if isFatal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		iterator = aws.ToString(out.ShardIterator)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("get shard iterator failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(w.newBackoff(), ctx), notify); err != nil {
		return "", err
	}
	return iterator, nil
}

// renew extends the lease every TTL/3 and cancels the worker once the lease is gone.
func (w *worker) renew(ctx context.Context, cancel context.CancelFunc) {
	r := w.relay
	ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.leases.Renew(ctx, w.key, r.cfg.InstanceName, r.cfg.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				w.logger.Warn("shard lease lost")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				w.logger.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}
}

// stopOn handles a worker-ending error. Only fatal store errors take the whole relay down.
func (w *worker) stopOn(err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, ErrLeaseLost):
		w.logger.Warn("shard lease lost")
	case isFatal(err):
		w.relay.fail(fmt.Errorf("shard %s: %w", w.shardID, err))
	default:
		w.logger.Error("shard worker stopped", zap.Error(err))
	}
}

func (w *worker) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = w.relay.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
