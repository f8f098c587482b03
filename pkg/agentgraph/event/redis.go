package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel prefixes the channels RedisPublisher publishes to.
const DefaultRedisChannel = "agentgraph:events"

// RedisPublisher forwards events to Redis pub/sub as JSON. Each run gets its
// own channel, "<prefix>:<run id>", so consumers can PSUBSCRIBE
// "agentgraph:events:*" or follow a single run.
//
// Publish is a network round trip; attach the publisher to a LocalBus with
// Subscribe so the scheduler never waits on Redis.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a publisher. An empty prefix uses
// DefaultRedisChannel.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the channel events of runID are published on.
func (p *RedisPublisher) Channel(runID string) string {
	return p.prefix + ":" + runID
}

// Handle publishes evt. It satisfies Handler.
func (p *RedisPublisher) Handle(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(evt.RunID), data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
