package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig Redis Streams bus configuration
type RedisStreamConfig struct {
	Prefix     string        `mapstructure:"stream_prefix"`
	Partitions int           `mapstructure:"partitions"`
	Block      time.Duration `mapstructure:"block"`
	BatchSize  int64         `mapstructure:"batch_size"`
	MaxLen     int64         `mapstructure:"max_len"`
}

// RedisStreamQueue is a Bus over Redis Streams: one stream per topic
// partition, named <prefix><topic>:<partition>, and one consumer group per
// participant.
type RedisStreamQueue struct {
	client redis.UniversalClient
	config RedisStreamConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisStreamQueue creates a Redis Streams bus on an existing client.
func NewRedisStreamQueue(client redis.UniversalClient, config RedisStreamConfig) (*RedisStreamQueue, error) {
	if config.Partitions <= 0 {
		return nil, fmt.Errorf("%w: partitions must be positive", ErrInvalidConfiguration)
	}
	if config.Block <= 0 {
		config.Block = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	return &RedisStreamQueue{client: client, config: config}, nil
}

// Stream returns the stream name of a topic partition.
func (q *RedisStreamQueue) Stream(topic string, partition int) string {
	return fmt.Sprintf("%s%s:%d", q.config.Prefix, topic, partition)
}

// Partitions is the partition count of every topic.
func (q *RedisStreamQueue) Partitions() int {
	return q.config.Partitions
}

func (q *RedisStreamQueue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Publish XADDs the message to the stream of its partition.
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, msg *Message) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	if err := validateHeaders(msg.Headers); err != nil {
		return err
	}

	p := Partition(msg.Key, q.config.Partitions)
	values := make(map[string]interface{}, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		values[k] = v
	}
	values[fieldKey] = msg.Key
	values[fieldPayload] = string(msg.Payload)

	args := &redis.XAddArgs{
		Stream: q.Stream(topic, p),
		Values: values,
	}
	if q.config.MaxLen > 0 {
		args.MaxLen = q.config.MaxLen
		args.Approx = true
	}

	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	msg.ID, msg.Topic, msg.Partition = id, topic, p
	return nil
}

// Consumer creates the group on every stream if needed and joins it.
func (q *RedisStreamQueue) Consumer(ctx context.Context, group, name string, topics []string, partitions []int) (Consumer, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}

	var streams []streamRef
	for _, topic := range topics {
		for _, p := range partitions {
			if p < 0 || p >= q.config.Partitions {
				return nil, fmt.Errorf("%w: partition %d of %d", ErrInvalidConfiguration, p, q.config.Partitions)
			}
			name := q.Stream(topic, p)
			err := q.client.XGroupCreateMkStream(ctx, name, group, "0").Err()
			if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
				return nil, fmt.Errorf("create group %s on %s: %w", group, name, err)
			}
			streams = append(streams, streamRef{name: name, topic: topic, partition: p})
		}
	}
	return &redisConsumer{queue: q, group: group, name: name, streams: streams}, nil
}

// Health pings Redis.
func (q *RedisStreamQueue) Health(ctx context.Context) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	return q.client.Ping(ctx).Err()
}

// Close marks the bus closed. The client belongs to the caller.
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type streamRef struct {
	name      string
	topic     string
	partition int
}

type redisConsumer struct {
	queue       *RedisStreamQueue
	group       string
	name        string
	streams     []streamRef
	pendingDone bool
}

func (c *redisConsumer) Fetch(ctx context.Context) ([]*Message, error) {
	if c.queue.isClosed() {
		return nil, ErrQueueClosed
	}

	if !c.pendingDone {
		msgs, err := c.read(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		c.pendingDone = true
	}
	return c.read(ctx, ">", c.queue.config.Block)
}

// read issues one XREADGROUP over every owned stream. block < 0 never blocks.
func (c *redisConsumer) read(ctx context.Context, id string, block time.Duration) ([]*Message, error) {
	args := make([]string, 0, 2*len(c.streams))
	for _, s := range c.streams {
		args = append(args, s.name)
	}
	for range c.streams {
		args = append(args, id)
	}

	res, err := c.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  args,
		Count:    c.queue.config.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.group, err)
	}

	byName := make(map[string]streamRef, len(c.streams))
	for _, s := range c.streams {
		byName[s.name] = s
	}

	var out []*Message
	for _, stream := range res {
		ref := byName[stream.Stream]
		for _, xm := range stream.Messages {
			out = append(out, decode(ref, xm))
		}
	}
	return out, nil
}

func decode(ref streamRef, xm redis.XMessage) *Message {
	m := &Message{
		ID:        xm.ID,
		Topic:     ref.topic,
		Partition: ref.partition,
		Headers:   make(map[string]string, len(xm.Values)),
	}
	for k, v := range xm.Values {
		s, _ := v.(string)
		switch k {
		case fieldKey:
			m.Key = s
		case fieldPayload:
			m.Payload = []byte(s)
		default:
			m.Headers[k] = s
		}
	}
	return m
}

func (c *redisConsumer) Ack(ctx context.Context, msg *Message) error {
	stream := c.queue.Stream(msg.Topic, msg.Partition)
	if err := c.queue.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, msg.ID, err)
	}
	return nil
}
