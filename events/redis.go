package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends every message to a Redis stream named
// prefix + topic with XADD.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher. maxLen caps each stream
// approximately, zero means unbounded.
func NewRedisStreamPublisher(client redis.UniversalClient, prefix string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream returns the stream name used for topic
func (p *RedisStreamPublisher) Stream(topic string) string {
	return p.prefix + topic
}

// Publish adds payload to the topic stream
func (p *RedisStreamPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: p.Stream(topic),
		Values: map[string]interface{}{
			"topic":   topic,
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd error: %w", err)
	}
	return nil
}
