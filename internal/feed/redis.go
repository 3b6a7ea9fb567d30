package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"market-chat/internal/models"
	"market-chat/internal/retry"
)

// RedisTransport carries inserted messages between instances over a Redis
// pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisTransport wraps an existing client.
func NewRedisTransport(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransport{client: client, channel: channel, hub: hub, logger: logger}
}

// Run receives from the channel until ctx ends. go-redis re-dials a broken
// pub/sub connection on the next Receive; the hub is marked disconnected
// from the first error until the subscription is confirmed again.
func (t *RedisTransport) Run(ctx context.Context) error {
	t.hub.SetConnected(false)
	pubsub := t.client.Subscribe(ctx, t.channel)
	defer pubsub.Close()

	bo := retry.Exponential(200*time.Millisecond, 10*time.Second)
	for {
		received, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.hub.SetConnected(false)
			wait := bo.NextBackOff()
			t.logger.Warn("redis feed receive failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		switch m := received.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				bo.Reset()
				t.hub.SetConnected(true)
				t.logger.Info("redis feed subscribed", "channel", m.Channel)
			}
		case *redis.Message:
			var msg models.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.logger.Warn("redis feed dropped malformed message", "error", err)
				continue
			}
			t.hub.Deliver(msg)
		case *redis.Pong:
		}
	}
}

// PublishMessage publishes msg on the channel.
func (t *RedisTransport) PublishMessage(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel, payload).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
