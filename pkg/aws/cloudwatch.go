package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

const (
	logBufferSize    = 4096
	logBatchSize     = 500
	logFlushInterval = 2 * time.Second
)

type logsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchLogsClient ships log lines to a CloudWatch Logs stream. It implements io.Writer so
// it can be tee'd into the zap logger. Write only enqueues; Run sends batches in the background,
// and lines are dropped rather than blocking the caller when the buffer is full.
type CloudWatchLogsClient struct {
	client        logsAPI
	logGroupName  string
	logStreamName string
	enabled       bool

	events  chan types.InputLogEvent
	dropped atomic.Int64
}

// NewCloudWatchLogsClient creates the log group and a per-process stream when
// CLOUDWATCH_ENABLED=true. Otherwise the client is a no-op writer.
func NewCloudWatchLogsClient(ctx context.Context, serviceName string) (*CloudWatchLogsClient, error) {
	enabled := os.Getenv("CLOUDWATCH_ENABLED") == "true"

	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	logGroupName := os.Getenv("CLOUDWATCH_LOG_GROUP")
	if logGroupName == "" {
		logGroupName = "/cart-sync/services"
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}

	c := newCloudWatchLogsClient(cloudwatchlogs.NewFromConfig(cfg), logGroupName,
		fmt.Sprintf("%s/%s/%d", serviceName, host, time.Now().Unix()), enabled)
	if enabled {
		if err := c.ensureLogGroup(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure log group: %w", err)
		}
		if err := c.createLogStream(ctx); err != nil {
			return nil, fmt.Errorf("failed to create log stream: %w", err)
		}
	}
	return c, nil
}

func newCloudWatchLogsClient(client logsAPI, group, stream string, enabled bool) *CloudWatchLogsClient {
	return &CloudWatchLogsClient{
		client:        client,
		logGroupName:  group,
		logStreamName: stream,
		enabled:       enabled,
		events:        make(chan types.InputLogEvent, logBufferSize),
	}
}

func (c *CloudWatchLogsClient) ensureLogGroup(ctx context.Context) error {
	_, err := c.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(c.logGroupName),
	})
	if err != nil {
		var existsErr *types.ResourceAlreadyExistsException
		if !errors.As(err, &existsErr) {
			return err
		}
	}

	_, err = c.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(c.logGroupName),
		RetentionInDays: aws.Int32(30),
	})
	if err != nil {
		return fmt.Errorf("failed to set retention policy: %w", err)
	}
	return nil
}

func (c *CloudWatchLogsClient) createLogStream(ctx context.Context) error {
	_, err := c.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(c.logGroupName),
		LogStreamName: aws.String(c.logStreamName),
	})
	var existsErr *types.ResourceAlreadyExistsException
	if errors.As(err, &existsErr) {
		return nil
	}
	return err
}

// Write implements io.Writer. p is copied; zap reuses its buffers.
func (c *CloudWatchLogsClient) Write(p []byte) (int, error) {
	if !c.enabled {
		return len(p), nil
	}
	event := types.InputLogEvent{
		Message:   aws.String(string(p)),
		Timestamp: aws.Int64(time.Now().UnixMilli()),
	}
	select {
	case c.events <- event:
	default:
		c.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped is the number of lines discarded because the buffer was full.
func (c *CloudWatchLogsClient) Dropped() int64 {
	return c.dropped.Load()
}

// Run ships buffered lines until ctx is done, then flushes what is left.
func (c *CloudWatchLogsClient) Run(ctx context.Context) {
	c.run(ctx, logFlushInterval)
}

func (c *CloudWatchLogsClient) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	batch := make([]types.InputLogEvent, 0, logBatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := c.putLogEvents(ctx, batch); err != nil {
			// The logger cannot log its own failures
			fmt.Fprintf(os.Stderr, "CloudWatch write error: %v\n", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-c.events:
			batch = append(batch, e)
			if len(batch) >= logBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-c.events:
					batch = append(batch, e)
					if len(batch) >= logBatchSize {
						flush(final)
					}
				default:
					flush(final)
					return
				}
			}
		}
	}
}

func (c *CloudWatchLogsClient) putLogEvents(ctx context.Context, events []types.InputLogEvent) error {
	_, err := c.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(c.logGroupName),
		LogStreamName: aws.String(c.logStreamName),
		LogEvents:     events,
	})
	if err != nil {
		return fmt.Errorf("failed to put %d log events: %w", len(events), err)
	}
	return nil
}

// IsEnabled returns whether CloudWatch logging is enabled
func (c *CloudWatchLogsClient) IsEnabled() bool {
	return c != nil && c.enabled
}
