package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/yashrajoria/cart-sync/services/cart-service/models"
	"go.uber.org/zap"
)

// LocalPublisher delivers an event to this instance's sessions only.
type LocalPublisher interface {
	PublishLocal(ctx context.Context, e models.ChangeEvent) error
}

type bridgeEnvelope struct {
	InstanceID string             `json:"instance_id"`
	Event      models.ChangeEvent `json:"event"`
}

// RedisBridge shares hub events between service instances over a Redis Pub/Sub channel. Each
// instance forwards what it publishes and replays what others publish, so a session sees
// direct-path writes made through any instance.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger
}

func NewRedisBridge(client *redis.Client, channel, instanceID string, logger *zap.Logger) *RedisBridge {
	return &RedisBridge{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With(zap.String("component", "redis-bridge")),
	}
}

// Forward implements Forwarder.
func (b *RedisBridge) Forward(ctx context.Context, e models.ChangeEvent) error {
	payload, err := json.Marshal(bridgeEnvelope{InstanceID: b.instanceID, Event: e})
	if err != nil {
		return fmt.Errorf("encode bridge event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes to the channel and replays remote events into target until ctx is done.
func (b *RedisBridge) Run(ctx context.Context, target LocalPublisher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so startup failures surface here
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("bridge subscribed", zap.String("channel", b.channel), zap.String("instance_id", b.instanceID))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload, target)
		}
	}
}

func (b *RedisBridge) handle(ctx context.Context, payload string, target LocalPublisher) {
	var env bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("discarding malformed bridge message", zap.Error(err))
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}
	if err := target.PublishLocal(ctx, env.Event); err != nil {
		b.logger.Warn("replay bridge event failed", zap.String("user_id", env.Event.UserID), zap.Error(err))
	}
}
