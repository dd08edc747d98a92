package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_DeliverKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w, "cart.changed")

	events := []models.ChangeEvent{
		models.NewUpsertEvent(&models.Cart{
			UserID: "u1",
			Items:  []models.CartItem{{ProductID: "p1", Quantity: 2, PriceSnapshot: decimal.RequireFromString("4.50")}},
		}, models.Origin{FromChangeFeed: true}),
		models.NewDeleteEvent("u2", models.Origin{FromChangeFeed: true}),
	}
	require.NoError(t, p.Deliver(context.Background(), events))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "u1", string(w.msgs[0].Key))
	assert.Equal(t, "u2", string(w.msgs[1].Key))
	assert.Equal(t, models.MessageCartEmpty, string(w.msgs[1].Headers[0].Value))

	var got models.ChangeEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.True(t, models.ItemsEqual(events[0].Items, got.Items))
}

func TestProducer_DeliverReportsWriteFailure(t *testing.T) {
	p := newProducerWithWriter(&fakeWriter{err: errors.New("broker down")}, "cart.changed")

	err := p.Deliver(context.Background(), []models.ChangeEvent{models.NewDeleteEvent("u1", models.Origin{})})
	assert.ErrorContains(t, err, "broker down")
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingHub struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (h *recordingHub) PublishLocal(_ context.Context, e models.ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestConsumer_ReplaysIntoHubAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 4)}
	c := newConsumerWithReader(reader, "cart.changed", zap.NewNop())

	value, err := json.Marshal(models.NewDeleteEvent("u1", models.Origin{FromChangeFeed: true}))
	require.NoError(t, err)
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte("{not json")}
	reader.msgs <- kafka.Message{Offset: 2, Value: value}

	hub := &recordingHub{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, hub)
	}()

	require.Eventually(t, func() bool { return len(reader.offsets()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.count(), "malformed message is skipped")
	assert.Equal(t, []int64{1, 2}, reader.offsets())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

// flakyReader fails the first failures fetches, then serves from its embedded reader.
type flakyReader struct {
	*fakeReader
	failures int
	attempts atomic.Int32
}

func (r *flakyReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if int(r.attempts.Add(1)) <= r.failures {
		return kafka.Message{}, errors.New("broker not available")
	}
	return r.fakeReader.FetchMessage(ctx)
}

func TestConsumer_RetriesFetchErrorsInsteadOfStopping(t *testing.T) {
	reader := &flakyReader{fakeReader: &fakeReader{msgs: make(chan kafka.Message, 1)}, failures: 3}
	c := newConsumerWithReader(reader, "cart.changed", zap.NewNop())
	c.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	value, err := json.Marshal(models.NewDeleteEvent("u1", models.Origin{FromChangeFeed: true}))
	require.NoError(t, err)
	reader.msgs <- kafka.Message{Offset: 7, Value: value}

	hub := &recordingHub{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, hub)
	}()

	require.Eventually(t, func() bool { return hub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, int(reader.attempts.Load()), 4)
	assert.Equal(t, []int64{7}, reader.offsets())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
