package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLeaseTable evaluates the handful of condition and update expressions the lease store
// issues against an in-memory table.
type fakeLeaseTable struct {
	mu       sync.Mutex
	items    map[string]leaseDocument
	status   types.TableStatus
	describe error
	failWith error
}

func newFakeLeaseTable() *fakeLeaseTable {
	return &fakeLeaseTable{items: map[string]leaseDocument{}, status: types.TableStatusActive}
}

func (f *fakeLeaseTable) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describe != nil {
		return nil, f.describe
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName, TableStatus: f.status}}, nil
}

func (f *fakeLeaseTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.items[keyOf(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeLeaseTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	key := keyOf(in.Key)
	doc, exists := f.items[key]
	vals := in.ExpressionAttributeValues
	owner := str(vals[":owner"])

	var ok bool
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(lease_owner) OR lease_owner = :owner OR expires_at < :now":
		ok = !exists || doc.Owner == "" || doc.Owner == owner || doc.ExpiresAt < num(vals[":now"])
	case "lease_owner = :owner":
		ok = exists && doc.Owner == owner
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}

	doc.LeaseKey = key
	switch aws.ToString(in.UpdateExpression) {
	case "SET lease_owner = :owner, expires_at = :exp":
		doc.Owner = owner
		doc.ExpiresAt = num(vals[":exp"])
	case "SET expires_at = :exp":
		doc.ExpiresAt = num(vals[":exp"])
	case "SET checkpoint_seq = :seq, expires_at = :exp":
		doc.Checkpoint = str(vals[":seq"])
		doc.ExpiresAt = num(vals[":exp"])
	case "REMOVE lease_owner SET expires_at = :zero":
		doc.Owner = ""
		doc.ExpiresAt = 0
	}
	f.items[key] = doc

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		attrs, err := attributevalue.MarshalMap(doc)
		if err != nil {
			return nil, err
		}
		out.Attributes = attrs
	}
	return out, nil
}

func keyOf(key map[string]types.AttributeValue) string {
	return str(key["lease_key"])
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLeaseStore(table *fakeLeaseTable) (*DynamoLeaseStore, *testClock) {
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewDynamoLeaseStore(table, "CartLeases")
	s.now = clock.Now
	return s, clock
}

func TestLeaseStore_AcquireNewLease(t *testing.T) {
	s, clock := newLeaseStore(newFakeLeaseTable())
	ctx := context.Background()

	lease, err := s.Acquire(ctx, "cart#shard-1", "a", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", lease.Owner)
	assert.Empty(t, lease.Checkpoint)
	assert.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), lease.ExpiresAt.UnixMilli())

	got, err := s.Get(ctx, "cart#shard-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Owner)
}

func TestLeaseStore_GetUnknownLease(t *testing.T) {
	s, _ := newLeaseStore(newFakeLeaseTable())

	lease, err := s.Get(context.Background(), "cart#nope")

	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestLeaseStore_HeldLeaseIsExclusiveUntilExpiry(t *testing.T) {
	s, clock := newLeaseStore(newFakeLeaseTable())
	ctx := context.Background()
	_, err := s.Acquire(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "k", "b", 5*time.Second)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	clock.Advance(6 * time.Second)
	lease, err := s.Acquire(ctx, "k", "b", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", lease.Owner)

	assert.ErrorIs(t, s.Renew(ctx, "k", "a", 5*time.Second), ErrLeaseLost)
	assert.ErrorIs(t, s.Checkpoint(ctx, "k", "a", "100", 5*time.Second), ErrLeaseLost)
}

func TestLeaseStore_CheckpointSurvivesReacquire(t *testing.T) {
	s, clock := newLeaseStore(newFakeLeaseTable())
	ctx := context.Background()
	_, err := s.Acquire(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Checkpoint(ctx, "k", "a", "42", 5*time.Second))

	clock.Advance(10 * time.Second)
	lease, err := s.Acquire(ctx, "k", "b", 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "42", lease.Checkpoint)
}

func TestLeaseStore_ReleaseHandsOverImmediately(t *testing.T) {
	s, _ := newLeaseStore(newFakeLeaseTable())
	ctx := context.Background()
	_, err := s.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "k", "b"), "releasing someone else's lease is a no-op")
	_, err = s.Acquire(ctx, "k", "b", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, s.Release(ctx, "k", "a"))
	lease, err := s.Acquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", lease.Owner)
}

func TestLeaseStore_StoreErrorsAreNotConditionFailures(t *testing.T) {
	table := newFakeLeaseTable()
	table.failWith = errors.New("throttled")
	s, _ := newLeaseStore(table)

	_, err := s.Acquire(context.Background(), "k", "a", time.Minute)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLeaseHeld)
	assert.Contains(t, err.Error(), "throttled")
	assert.Error(t, s.Release(context.Background(), "k", "a"))
}

func TestLeaseStore_Verify(t *testing.T) {
	table := newFakeLeaseTable()
	s, _ := newLeaseStore(table)
	assert.NoError(t, s.Verify(context.Background()))

	table.status = types.TableStatusCreating
	assert.EqualError(t, s.Verify(context.Background()), "lease table CartLeases is CREATING")

	table.describe = errors.New("no such table")
	assert.ErrorContains(t, s.Verify(context.Background()), "no such table")
}

func TestLeaseKey(t *testing.T) {
	assert.Equal(t, "cart-relay#shardId-0001", LeaseKey("cart-relay", "shardId-0001"))
}
