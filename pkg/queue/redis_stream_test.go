package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		s.Close()
	})

	return client, s
}

func newStreamQueue(t *testing.T, partitions int) (*RedisStreamQueue, *miniredis.Miniredis) {
	client, mr := setupRedis(t)
	q, err := NewRedisStreamQueue(client, RedisStreamConfig{
		Prefix:     "saga:",
		Partitions: partitions,
		Block:      20 * time.Millisecond,
		BatchSize:  10,
	})
	require.NoError(t, err)
	return q, mr
}

func TestRedisStreamQueue_PublishFetchAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newStreamQueue(t, 4)

	c, err := q.Consumer(ctx, "participant-orders", "w0", []string{"orders"}, []int{0, 1, 2, 3})
	require.NoError(t, err)

	msg := &Message{
		Key:     "u1:o1",
		Headers: map[string]string{"operation": "create", "user_id": "u1", "order_id": "o1"},
		Payload: []byte(`{"goods":[{"id":5,"count":2}]}`),
	}
	require.NoError(t, q.Publish(ctx, "orders", msg))
	assert.NotEmpty(t, msg.ID)

	stream := q.Stream("orders", Partition("u1:o1", 4))
	assert.Equal(t, fmt.Sprintf("saga:orders:%d", msg.Partition), stream)
	assert.True(t, mr.Exists(stream))

	got, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, "u1:o1", got[0].Key)
	assert.Equal(t, msg.Partition, got[0].Partition)
	assert.Equal(t, "orders", got[0].Topic)
	assert.Equal(t, msg.Headers, got[0].Headers)
	assert.Equal(t, msg.Payload, got[0].Payload)

	require.NoError(t, c.Ack(ctx, got[0]))

	empty, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStreamQueue_PendingRedelivery(t *testing.T) {
	ctx := context.Background()
	q, _ := newStreamQueue(t, 1)

	c, err := q.Consumer(ctx, "g", "w0", []string{"orders"}, []int{0})
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, "orders", &Message{Key: "a"}))
	require.NoError(t, q.Publish(ctx, "orders", &Message{Key: "b"}))

	got, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NoError(t, c.Ack(ctx, got[0]))

	// a new consumer with the same name first drains what was never acked
	restarted, err := q.Consumer(ctx, "g", "w0", []string{"orders"}, []int{0})
	require.NoError(t, err)
	again, err := restarted.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "b", again[0].Key)
	require.NoError(t, restarted.Ack(ctx, again[0]))

	none, err := restarted.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisStreamQueue_ConsumerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newStreamQueue(t, 2)

	_, err := q.Consumer(ctx, "g", "w0", []string{"orders", "transactions"}, []int{0, 1})
	require.NoError(t, err)
	_, err = q.Consumer(ctx, "g", "w1", []string{"orders", "transactions"}, []int{0, 1})
	require.NoError(t, err)

	_, err = q.Consumer(ctx, "g", "w1", []string{"orders"}, []int{5})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestRedisStreamQueue_Closed(t *testing.T) {
	ctx := context.Background()
	q, _ := newStreamQueue(t, 1)
	require.NoError(t, q.Health(ctx))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Publish(ctx, "orders", &Message{Key: "k"}), ErrQueueClosed)
	assert.ErrorIs(t, q.Health(ctx), ErrQueueClosed)
}

func TestNewRedisStreamQueue_InvalidPartitions(t *testing.T) {
	client, _ := setupRedis(t)
	_, err := NewRedisStreamQueue(client, RedisStreamConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
