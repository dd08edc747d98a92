package relay

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodbstreams/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"github.com/yashrajoria/cart-sync/services/cart-service/repository"
)

// ErrMalformedRecord marks stream records that can never be turned into an event. They are
// skipped instead of retried.
var ErrMalformedRecord = errors.New("malformed stream record")

// decodeRecord turns one stream record into one change event. INSERT and MODIFY carry the new
// cart image; REMOVE only carries the key.
func decodeRecord(rec types.Record) (models.ChangeEvent, error) {
	if rec.Dynamodb == nil {
		return models.ChangeEvent{}, fmt.Errorf("%w: no stream record body", ErrMalformedRecord)
	}
	origin := models.Origin{FromChangeFeed: true}

	var event models.ChangeEvent
	switch rec.EventName {
	case types.OperationTypeInsert, types.OperationTypeModify:
		if len(rec.Dynamodb.NewImage) == 0 {
			return models.ChangeEvent{}, fmt.Errorf("%w: %s without new image", ErrMalformedRecord, rec.EventName)
		}
		var doc repository.CartDocument
		if err := attributevalue.UnmarshalMap(rec.Dynamodb.NewImage, &doc); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		cart, err := doc.Cart()
		if err != nil {
			return models.ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		event = models.NewUpsertEvent(cart, origin)

	case types.OperationTypeRemove:
		var key repository.KeyDocument
		if err := attributevalue.UnmarshalMap(rec.Dynamodb.Keys, &key); err != nil {
			return models.ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		if key.UserID == "" {
			return models.ChangeEvent{}, fmt.Errorf("%w: REMOVE without user_id key", ErrMalformedRecord)
		}
		event = models.NewDeleteEvent(key.UserID, origin)

	default:
		return models.ChangeEvent{}, fmt.Errorf("%w: unknown event %q", ErrMalformedRecord, rec.EventName)
	}

	if rec.Dynamodb.SequenceNumber != nil {
		event.SequenceNumber = *rec.Dynamodb.SequenceNumber
	}
	return event, nil
}

// recordImage flattens the record's image (or key) for dead-letter payloads.
func recordImage(rec types.Record) map[string]any {
	if rec.Dynamodb == nil {
		return nil
	}
	src := rec.Dynamodb.NewImage
	if len(src) == 0 {
		src = rec.Dynamodb.Keys
	}
	var out map[string]any
	if err := attributevalue.UnmarshalMap(src, &out); err != nil {
		return nil
	}
	return out
}
