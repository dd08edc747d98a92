package models

import (
	"encoding/json"
	"fmt"
)

type OperationType string

const (
	OperationUpsert OperationType = "Upsert"
	OperationDelete OperationType = "Delete"
)

// Origin tags where an event came from. Events read off the store's change feed carry
// FromChangeFeed; direct-path events carry the submitting session so it can be excluded.
type Origin struct {
	FromChangeFeed bool   `json:"from_change_feed"`
	SessionID      string `json:"session_id,omitempty"`
}

// ChangeEvent is one committed (or directly submitted) cart state.
type ChangeEvent struct {
	UserID         string        `json:"user_id"`
	Items          []CartItem    `json:"items"`
	Origin         Origin        `json:"origin"`
	OperationType  OperationType `json:"operation_type"`
	SequenceNumber string        `json:"sequence_number,omitempty"`
}

// NewUpsertEvent builds the event for a cart write. A cart without items is reported as a delete.
func NewUpsertEvent(cart *Cart, origin Origin) ChangeEvent {
	if cart.IsEmpty() {
		return NewDeleteEvent(cart.UserID, origin)
	}
	return ChangeEvent{
		UserID:        cart.UserID,
		Items:         CloneItems(cart.Items),
		Origin:        origin,
		OperationType: OperationUpsert,
	}
}

// NewDeleteEvent builds the event for a removed cart.
func NewDeleteEvent(userID string, origin Origin) ChangeEvent {
	return ChangeEvent{
		UserID:        userID,
		Items:         []CartItem{},
		Origin:        origin,
		OperationType: OperationDelete,
	}
}

// MessageType is the realtime message type the event is sent as.
func (e ChangeEvent) MessageType() string {
	if e.OperationType == OperationDelete {
		return MessageCartEmpty
	}
	return MessageCartChange
}

// Mutation is a desired cart state submitted by a client.
type Mutation struct {
	UserID string     `json:"user_id"`
	Items  []CartItem `json:"items"`
}

// Cart returns the mutation as the cart to persist.
func (m Mutation) Cart() *Cart {
	return &Cart{UserID: m.UserID, Items: Normalize(m.Items)}
}

// Realtime message types
const (
	MessageSession    = "session"
	MessageCartChange = "cartChange"
	MessageCartEmpty  = "cartEmpty"
	MessageError      = "error"
	MessagePong       = "pong"

	MessageSubmit = "submit"
	MessagePing   = "ping"
)

// Message is the envelope for every frame on the realtime channel.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionInfo is sent once when a realtime connection is accepted.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// ErrorPayload reports a failed submit back to the submitting session only.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      int    `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// NewMessage encodes data into an envelope of the given type.
func NewMessage(msgType string, data any) (Message, error) {
	if data == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s message: %w", msgType, err)
	}
	return Message{Type: msgType, Data: raw}, nil
}

// EventMessage wraps a change event in its realtime envelope.
func EventMessage(e ChangeEvent) (Message, error) {
	return NewMessage(e.MessageType(), e)
}
