package dynamodb

import (
	"context"
	"errors"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
)

// ErrStreamDisabled is returned when a table has no stream to consume.
var ErrStreamDisabled = errors.New("dynamodb stream not enabled on table")

// NewClientFromConfig accepts an AWS SDK config and returns a DynamoDB client.
func NewClientFromConfig(cfg sdkaws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg)
}

// NewStreamsClientFromConfig returns a DynamoDB Streams client for the same account and region.
func NewStreamsClientFromConfig(cfg sdkaws.Config) *dynamodbstreams.Client {
	return dynamodbstreams.NewFromConfig(cfg)
}

// TableDescriber is the slice of the DynamoDB API needed to look up a table's stream.
type TableDescriber interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// ResolveStreamARN returns the latest stream ARN of table.
func ResolveStreamARN(ctx context.Context, client TableDescriber, table string) (string, error) {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &table})
	if err != nil {
		return "", fmt.Errorf("describe table %s: %w", table, err)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil || *out.Table.LatestStreamArn == "" {
		return "", fmt.Errorf("%s: %w", table, ErrStreamDisabled)
	}
	return *out.Table.LatestStreamArn, nil
}
