package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// RedisPublisher publishes lifecycle events to a Redis pub/sub channel as JSON.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	metrics *observability.Metrics
}

// NewRedisPublisher returns a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string, metrics *observability.Metrics) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, metrics: metrics}
}

// Publish implements model.EventPublisher.
func (p *RedisPublisher) Publish(ctx context.Context, evt model.InstanceEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	err = p.client.Publish(ctx, p.channel, body).Err()
	if err != nil {
		err = fmt.Errorf("notify: publish to %s: %w", p.channel, err)
	}
	p.metrics.RecordNotification("redis", err)
	return err
}
