package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueueConfig memory bus configuration
type MemoryQueueConfig struct {
	Partitions int           `mapstructure:"partitions"`
	Block      time.Duration `mapstructure:"block"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// MemoryQueue is an in-process Bus with the same group, pending and ack
// semantics as the Redis driver. Used by tests and single-process runs.
type MemoryQueue struct {
	config  MemoryQueueConfig
	mu      sync.Mutex
	closed  bool
	streams map[string]*memStream // by stream name
	notify  chan struct{}         // closed and replaced on every publish
}

type memStream struct {
	entries []*Message
	seq     int64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int                   // next undelivered entry
	pending map[string][]*Message // by consumer, delivery order
}

// NewMemoryQueue creates a new memory bus instance
func NewMemoryQueue(config *MemoryQueueConfig) *MemoryQueue {
	cfg := MemoryQueueConfig{Partitions: 1, Block: 100 * time.Millisecond, BatchSize: 16}
	if config != nil {
		if config.Partitions > 0 {
			cfg.Partitions = config.Partitions
		}
		if config.Block > 0 {
			cfg.Block = config.Block
		}
		if config.BatchSize > 0 {
			cfg.BatchSize = config.BatchSize
		}
	}
	return &MemoryQueue{
		config:  cfg,
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
	}
}

func streamName(topic string, partition int) string {
	return fmt.Sprintf("%s:%d", topic, partition)
}

func (mq *MemoryQueue) stream(name string) *memStream {
	s, ok := mq.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		mq.streams[name] = s
	}
	return s
}

// Partitions is the partition count of every topic.
func (mq *MemoryQueue) Partitions() int {
	return mq.config.Partitions
}

// Publish appends the message to its partition.
func (mq *MemoryQueue) Publish(ctx context.Context, topic string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateHeaders(msg.Headers); err != nil {
		return err
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return ErrQueueClosed
	}

	p := Partition(msg.Key, mq.config.Partitions)
	s := mq.stream(streamName(topic, p))
	s.seq++

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	entry := &Message{
		ID:        fmt.Sprintf("%d-0", s.seq),
		Topic:     topic,
		Partition: p,
		Key:       msg.Key,
		Headers:   headers,
		Payload:   append([]byte(nil), msg.Payload...),
	}
	s.entries = append(s.entries, entry)
	msg.ID, msg.Topic, msg.Partition = entry.ID, topic, p

	close(mq.notify)
	mq.notify = make(chan struct{})
	return nil
}

// Messages returns a copy of everything published to topic, in partition
// then publish order. Useful for assertions.
func (mq *MemoryQueue) Messages(topic string) []*Message {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	var out []*Message
	for p := 0; p < mq.config.Partitions; p++ {
		if s, ok := mq.streams[streamName(topic, p)]; ok {
			out = append(out, s.entries...)
		}
	}
	return out
}

// Consumer joins a consumer group.
func (mq *MemoryQueue) Consumer(ctx context.Context, group, name string, topics []string, partitions []int) (Consumer, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil, ErrQueueClosed
	}

	var names []string
	for _, topic := range topics {
		for _, p := range partitions {
			if p < 0 || p >= mq.config.Partitions {
				return nil, fmt.Errorf("%w: partition %d of %d", ErrInvalidConfiguration, p, mq.config.Partitions)
			}
			sn := streamName(topic, p)
			s := mq.stream(sn)
			if _, ok := s.groups[group]; !ok {
				s.groups[group] = &memGroup{pending: make(map[string][]*Message)}
			}
			names = append(names, sn)
		}
	}
	return &memConsumer{bus: mq, group: group, name: name, streams: names}, nil
}

// Health checks the health of the queue
func (mq *MemoryQueue) Health(ctx context.Context) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.closed {
		return ErrQueueClosed
	}
	return nil
}

// Close closes the queue; blocked Fetch calls return ErrQueueClosed.
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil
	}
	mq.closed = true
	close(mq.notify)
	return nil
}

type memConsumer struct {
	bus         *MemoryQueue
	group       string
	name        string
	streams     []string
	pendingDone bool
}

func (c *memConsumer) Fetch(ctx context.Context) ([]*Message, error) {
	timer := time.NewTimer(c.bus.config.Block)
	defer timer.Stop()

	for {
		msgs, wait, err := c.poll()
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// poll returns a batch, or the channel to wait on when there is none.
func (c *memConsumer) poll() ([]*Message, <-chan struct{}, error) {
	mq := c.bus
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil, nil, ErrQueueClosed
	}

	limit := mq.config.BatchSize
	var out []*Message

	if !c.pendingDone {
		for _, sn := range c.streams {
			out = append(out, mq.streams[sn].groups[c.group].pending[c.name]...)
		}
		c.pendingDone = true
		if len(out) > 0 {
			return out, nil, nil
		}
	}

	for _, sn := range c.streams {
		s := mq.streams[sn]
		g := s.groups[c.group]
		for g.cursor < len(s.entries) && len(out) < limit {
			m := s.entries[g.cursor]
			g.cursor++
			g.pending[c.name] = append(g.pending[c.name], m)
			out = append(out, m)
		}
	}
	if len(out) > 0 {
		return out, nil, nil
	}
	return nil, mq.notify, nil
}

func (c *memConsumer) Ack(ctx context.Context, msg *Message) error {
	mq := c.bus
	mq.mu.Lock()
	defer mq.mu.Unlock()

	s, ok := mq.streams[streamName(msg.Topic, msg.Partition)]
	if !ok {
		return nil
	}
	g, ok := s.groups[c.group]
	if !ok {
		return nil
	}
	pending := g.pending[c.name]
	for i, m := range pending {
		if m.ID == msg.ID {
			g.pending[c.name] = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	return nil
}

// Pending returns how many delivered messages of group are not acked.
func (mq *MemoryQueue) Pending(topic, group string) int {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	n := 0
	for p := 0; p < mq.config.Partitions; p++ {
		s, ok := mq.streams[streamName(topic, p)]
		if !ok {
			continue
		}
		if g, ok := s.groups[group]; ok {
			for _, msgs := range g.pending {
				n += len(msgs)
			}
		}
	}
	return n
}
