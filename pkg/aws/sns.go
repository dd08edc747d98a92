package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// snsBatchLimit is the most entries SNS accepts in one PublishBatch call.
const snsBatchLimit = 10

// SNSMessage is one entry of a batch publish.
type SNSMessage struct {
	Body []byte
	// Attributes become string message attributes so subscribers can filter on them.
	Attributes map[string]string
	// GroupID and DeduplicationID are only sent to FIFO topics.
	GroupID         string
	DeduplicationID string
}

// SNSPublisher publishes batches of messages to a topic, in order.
type SNSPublisher interface {
	PublishBatch(ctx context.Context, topicArn string, msgs []SNSMessage) error
}

type snsAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

type SNSClient struct {
	client snsAPI
}

func NewSNSClient(cfg sdkaws.Config) *SNSClient {
	return &SNSClient{client: sns.NewFromConfig(cfg)}
}

// PublishBatch sends msgs in chunks of ten. The first chunk with a failed entry stops the call,
// so later messages are never published ahead of an earlier failure.
func (s *SNSClient) PublishBatch(ctx context.Context, topicArn string, msgs []SNSMessage) error {
	if topicArn == "" {
		return fmt.Errorf("empty topicArn")
	}
	fifo := strings.HasSuffix(topicArn, ".fifo")

	for start := 0; start < len(msgs); start += snsBatchLimit {
		end := min(start+snsBatchLimit, len(msgs))

		entries := make([]types.PublishBatchRequestEntry, 0, end-start)
		for i, m := range msgs[start:end] {
			entry := types.PublishBatchRequestEntry{
				Id:      sdkaws.String(strconv.Itoa(start + i)),
				Message: sdkaws.String(string(m.Body)),
			}
			if len(m.Attributes) > 0 {
				entry.MessageAttributes = make(map[string]types.MessageAttributeValue, len(m.Attributes))
				for k, v := range m.Attributes {
					entry.MessageAttributes[k] = types.MessageAttributeValue{
						DataType:    sdkaws.String("String"),
						StringValue: sdkaws.String(v),
					}
				}
			}
			if fifo {
				entry.MessageGroupId = sdkaws.String(m.GroupID)
				if m.DeduplicationID != "" {
					entry.MessageDeduplicationId = sdkaws.String(m.DeduplicationID)
				}
			}
			entries = append(entries, entry)
		}

		out, err := s.client.PublishBatch(ctx, &sns.PublishBatchInput{
			TopicArn:                   sdkaws.String(topicArn),
			PublishBatchRequestEntries: entries,
		})
		if err != nil {
			return fmt.Errorf("sns publish failed for topic %s: %w", topicArn, err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sns publish failed for topic %s: %d of %d entries rejected, first %s: %s",
				topicArn, len(out.Failed), len(entries), sdkaws.ToString(f.Code), sdkaws.ToString(f.Message))
		}
	}
	return nil
}
