package relay

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodbstreams/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"github.com/yashrajoria/cart-sync/services/cart-service/repository"
)

func cartImage(t *testing.T, cart *models.Cart) map[string]types.AttributeValue {
	t.Helper()
	image, err := attributevalue.MarshalMap(repository.NewCartDocument(cart))
	require.NoError(t, err)
	return image
}

func TestDecodeRecord_InsertAndModify(t *testing.T) {
	cart := &models.Cart{
		UserID:    "u1",
		Items:     []models.CartItem{{ProductID: "p1", Quantity: 2, PriceSnapshot: decimal.RequireFromString("12.50")}},
		UpdatedAt: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
	}

	for _, op := range []types.OperationType{types.OperationTypeInsert, types.OperationTypeModify} {
		t.Run(string(op), func(t *testing.T) {
			e, err := decodeRecord(types.Record{
				EventName: op,
				Dynamodb:  &types.StreamRecord{SequenceNumber: aws.String("700"), NewImage: cartImage(t, cart)},
			})

			require.NoError(t, err)
			assert.Equal(t, models.OperationUpsert, e.OperationType)
			assert.Equal(t, "u1", e.UserID)
			assert.Equal(t, "700", e.SequenceNumber)
			assert.True(t, e.Origin.FromChangeFeed)
			assert.True(t, models.ItemsEqual(cart.Items, e.Items))
		})
	}
}

func TestDecodeRecord_Remove(t *testing.T) {
	e, err := decodeRecord(types.Record{
		EventName: types.OperationTypeRemove,
		Dynamodb: &types.StreamRecord{
			Keys: map[string]types.AttributeValue{"user_id": &types.AttributeValueMemberS{Value: "u9"}},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, models.OperationDelete, e.OperationType)
	assert.Equal(t, "u9", e.UserID)
	assert.Empty(t, e.Items)
	assert.Equal(t, models.MessageCartEmpty, e.MessageType())
}

func TestDecodeRecord_EmptyItemImageIsDelete(t *testing.T) {
	image := cartImage(t, &models.Cart{UserID: "u1", Items: []models.CartItem{}})

	e, err := decodeRecord(types.Record{
		EventName: types.OperationTypeModify,
		Dynamodb:  &types.StreamRecord{NewImage: image},
	})

	require.NoError(t, err)
	assert.Equal(t, models.OperationDelete, e.OperationType)
}

func TestDecodeRecord_Malformed(t *testing.T) {
	cases := map[string]types.Record{
		"no body":           {EventName: types.OperationTypeInsert},
		"no new image":      {EventName: types.OperationTypeModify, Dynamodb: &types.StreamRecord{}},
		"wrong item shape":  {EventName: types.OperationTypeInsert, Dynamodb: &types.StreamRecord{NewImage: map[string]types.AttributeValue{"items": &types.AttributeValueMemberS{Value: "x"}}}},
		"remove without id": {EventName: types.OperationTypeRemove, Dynamodb: &types.StreamRecord{Keys: map[string]types.AttributeValue{}}},
		"unknown event":     {EventName: types.OperationType("TRUNCATE"), Dynamodb: &types.StreamRecord{}},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRecord(rec)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestRecordImage(t *testing.T) {
	rec := types.Record{Dynamodb: &types.StreamRecord{
		Keys: map[string]types.AttributeValue{"user_id": &types.AttributeValueMemberS{Value: "u1"}},
	}}
	assert.Equal(t, map[string]any{"user_id": "u1"}, recordImage(rec))
	assert.Nil(t, recordImage(types.Record{}))
}
