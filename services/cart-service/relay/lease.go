package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ShardEnd is the checkpoint of a shard that was read to its end.
const ShardEnd = "SHARD_END"

var (
	// ErrLeaseHeld is returned by Acquire when another live owner holds the lease.
	ErrLeaseHeld = errors.New("lease held by another owner")
	// ErrLeaseLost is returned when a lease this owner held was taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is the stored cursor of one shard for one processor.
type Lease struct {
	Key        string
	Owner      string
	Checkpoint string
	ExpiresAt  time.Time
}

// LeaseStore persists shard leases. Mutual exclusion between relay instances comes entirely
// from the store's conditional writes.
type LeaseStore interface {
	// Verify fails if the lease table cannot be reached.
	Verify(ctx context.Context) error
	// Get returns nil, nil for a lease that was never written.
	Get(ctx context.Context, key string) (*Lease, error)
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error
	// Checkpoint records seq and extends the lease.
	Checkpoint(ctx context.Context, key, owner, seq string, ttl time.Duration) error
	Release(ctx context.Context, key, owner string) error
}

// LeaseKey names the lease of shardID for processor.
func LeaseKey(processor, shardID string) string {
	return processor + "#" + shardID
}

// LeaseTableAPI is the part of the DynamoDB client the lease store uses.
type LeaseTableAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type leaseDocument struct {
	LeaseKey   string `dynamodbav:"lease_key"`
	Owner      string `dynamodbav:"lease_owner,omitempty"`
	Checkpoint string `dynamodbav:"checkpoint_seq,omitempty"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

func (d leaseDocument) lease() *Lease {
	return &Lease{
		Key:        d.LeaseKey,
		Owner:      d.Owner,
		Checkpoint: d.Checkpoint,
		ExpiresAt:  time.UnixMilli(d.ExpiresAt),
	}
}

// DynamoLeaseStore keeps leases in a DynamoDB table keyed by lease_key.
type DynamoLeaseStore struct {
	client LeaseTableAPI
	table  string
	now    func() time.Time
}

func NewDynamoLeaseStore(client LeaseTableAPI, table string) *DynamoLeaseStore {
	return &DynamoLeaseStore{client: client, table: table, now: time.Now}
}

func (s *DynamoLeaseStore) Verify(ctx context.Context) error {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &s.table})
	if err != nil {
		return fmt.Errorf("describe lease table %s: %w", s.table, err)
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive && out.Table.TableStatus != types.TableStatusUpdating {
		return fmt.Errorf("lease table %s is %s", s.table, out.Table.TableStatus)
	}
	return nil
}

func (s *DynamoLeaseStore) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"lease_key": &types.AttributeValueMemberS{Value: key}}
}

func (s *DynamoLeaseStore) Get(ctx context.Context, key string) (*Lease, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            s.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get lease %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var doc leaseDocument
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal lease %s: %w", key, err)
	}
	return doc.lease(), nil
}

// Acquire takes the lease if it is new, expired, released, or already ours. The stored
// checkpoint is preserved.
func (s *DynamoLeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	now := s.now()
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.table,
		Key:                 s.key(key),
		UpdateExpression:    aws.String("SET lease_owner = :owner, expires_at = :exp"),
		ConditionExpression: aws.String("attribute_not_exists(lease_owner) OR lease_owner = :owner OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":exp":   millis(now.Add(ttl)),
			":now":   millis(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, conditionErr(err, ErrLeaseHeld, "acquire", key)
	}
	var doc leaseDocument
	if err := attributevalue.UnmarshalMap(out.Attributes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal lease %s: %w", key, err)
	}
	return doc.lease(), nil
}

func (s *DynamoLeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.table,
		Key:                 s.key(key),
		UpdateExpression:    aws.String("SET expires_at = :exp"),
		ConditionExpression: aws.String("lease_owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":exp":   millis(s.now().Add(ttl)),
		},
	})
	return conditionErr(err, ErrLeaseLost, "renew", key)
}

func (s *DynamoLeaseStore) Checkpoint(ctx context.Context, key, owner, seq string, ttl time.Duration) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.table,
		Key:                 s.key(key),
		UpdateExpression:    aws.String("SET checkpoint_seq = :seq, expires_at = :exp"),
		ConditionExpression: aws.String("lease_owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":seq":   &types.AttributeValueMemberS{Value: seq},
			":exp":   millis(s.now().Add(ttl)),
		},
	})
	return conditionErr(err, ErrLeaseLost, "checkpoint", key)
}

// Release gives the lease up so another instance can take it without waiting for expiry.
// Releasing a lease this owner no longer holds is not an error.
func (s *DynamoLeaseStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.table,
		Key:                 s.key(key),
		UpdateExpression:    aws.String("REMOVE lease_owner SET expires_at = :zero"),
		ConditionExpression: aws.String("lease_owner = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
			":zero":  &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err = conditionErr(err, ErrLeaseLost, "release", key); errors.Is(err, ErrLeaseLost) {
		return nil
	}
	return err
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func conditionErr(err, sentinel error, op, key string) error {
	if err == nil {
		return nil
	}
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return fmt.Errorf("%s %s: %w", op, key, sentinel)
	}
	return fmt.Errorf("%s lease %s: %w", op, key, err)
}
