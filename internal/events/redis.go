package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPublisherClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher sends events over Redis Pub/Sub.
type RedisPublisher struct {
	rdb     redisPublisherClient
	channel string
}

// NewRedisPublisher publishes on channel, or TypeTaskState when empty.
func NewRedisPublisher(rdb redisPublisherClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = TypeTaskState
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev TaskEvent) error {
	payload, err := ev.encode()
	if err != nil {
		return fmt.Errorf("encode task event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }
