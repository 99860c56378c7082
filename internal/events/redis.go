package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on Redis pub/sub, one channel per event type
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a Redis publisher. The connection is established
// lazily on first publish.
func NewRedisPublisher(addr, password string, db int, prefix string) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Name() string { return "redis" }

// Channel returns the channel an event type is published on
func (p *RedisPublisher) Channel(t Type) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + ":" + string(t)
}

// Publish sends the JSON-encoded event
func (p *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.Type), msg).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
