package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Bus is a partitioned, at-least-once message bus with consumer groups.
// Messages with the same Key always land on the same partition and are
// delivered in publish order within it.
type Bus interface {
	// Publish appends msg to the partition of msg.Key on topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Consumer joins group as name, reading the given partitions of topics.
	Consumer(ctx context.Context, group, name string, topics []string, partitions []int) (Consumer, error)

	// Partitions is the partition count of every topic.
	Partitions() int

	// Health checks the health of the bus
	Health(ctx context.Context) error

	// Close closes the bus connections
	Close() error
}

// Consumer reads messages for one member of a consumer group.
type Consumer interface {
	// Fetch returns the next batch. Messages delivered earlier to this
	// consumer and never acked come first; after those it blocks for new
	// ones up to the bus's block timeout and may return an empty batch.
	Fetch(ctx context.Context) ([]*Message, error)

	// Ack marks msg as processed for the group.
	Ack(ctx context.Context, msg *Message) error
}

// Message is one bus entry.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Key       string            `json:"key"`
	Headers   map[string]string `json:"headers"`
	Payload   []byte            `json:"payload"`
}

// Header returns a header value, "" when absent.
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Reserved entry fields; headers must not use them.
const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// Common errors
var (
	ErrQueueClosed          = errors.New("queue is closed")
	ErrPublishTimeout       = errors.New("publish timeout")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrReservedHeader       = errors.New("reserved header name")
)

// Partition maps a key to one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// OwnedPartitions returns the partitions consumer slot w of workers reads: p % workers == w.
func OwnedPartitions(partitions, workers, w int) []int {
	var owned []int
	for p := 0; p < partitions; p++ {
		if p%workers == w {
			owned = append(owned, p)
		}
	}
	return owned
}

func validateHeaders(headers map[string]string) error {
	for name := range headers {
		if name == fieldKey || name == fieldPayload {
			return fmt.Errorf("%w: %s", ErrReservedHeader, name)
		}
	}
	return nil
}
