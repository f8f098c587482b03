package event_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
)

func TestRedisPublisher_ForwardsBusEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := event.NewRedisPublisher(client, "")
	assert.Equal(t, "agentgraph:events:run-1", pub.Channel("run-1"))

	watcher := client.Subscribe(ctx, pub.Channel("run-1"))
	defer watcher.Close()
	_, err := watcher.Receive(ctx)
	require.NoError(t, err)

	bus := event.NewBus(event.BusConfig{NonBlocking: true})
	defer bus.Close()
	sub := bus.Subscribe(event.Filter{}, pub.Handle)
	require.NotNil(t, sub)

	bus.Emit(ctx, event.Event{ID: "e1", Type: event.NodeUpdate, RunID: "run-1", Step: 3, NodeID: "writer"})

	msg, err := watcher.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agentgraph:events:run-1", msg.Channel)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "node_update", got["type"])
	assert.Equal(t, "writer", got["node_id"])
}

func TestRedisPublisher_ReportsFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	pub := event.NewRedisPublisher(client, "custom")
	err := pub.Handle(context.Background(), event.Event{RunID: "r"})

	assert.ErrorContains(t, err, "publish event")
	assert.Equal(t, "custom:r", pub.Channel("r"))
}
