// Package consumer runs the bus loops of a participant.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fulfillment/internal/monitor"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
)

// Handler processes one message. Its error is logged only; the message is
// acked either way.
type Handler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *queue.Message) error {
	return f(ctx, msg)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Group   string
	Name    string // stable member name prefix, so pending entries survive restarts
	Topics  []string
	Workers int
	// Instances splits the partitions between that many processes of one
	// participant; Instance is the index of this process. Zero means one.
	Instances int
	Instance  int
	// ErrorBackoff spaces fetch retries after bus errors.
	ErrorBackoff time.Duration
}

// Pool runs one loop per worker. Worker w of instance i owns the partitions
// p with p % (Instances*Workers) == i*Workers+w on every topic, so all
// messages of one order are handled in order by the same loop, even when
// several processes serve the participant.
type Pool struct {
	bus     queue.Bus
	handler Handler
	config  PoolConfig
	metrics *monitor.MetricsCollector
}

// NewPool creates a consumer pool. metrics may be nil.
func NewPool(bus queue.Bus, handler Handler, config PoolConfig, metrics *monitor.MetricsCollector) (*Pool, error) {
	if config.Workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive", queue.ErrInvalidConfiguration)
	}
	if len(config.Topics) == 0 || config.Group == "" {
		return nil, fmt.Errorf("%w: group and topics are required", queue.ErrInvalidConfiguration)
	}
	if config.Instances <= 0 {
		config.Instances = 1
	}
	if config.Instance < 0 || config.Instance >= config.Instances {
		return nil, fmt.Errorf("%w: instance %d of %d", queue.ErrInvalidConfiguration, config.Instance, config.Instances)
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = time.Second
	}
	return &Pool{bus: bus, handler: handler, config: config, metrics: metrics}, nil
}

// Run blocks until ctx is cancelled or the bus is closed.
func (p *Pool) Run(ctx context.Context) error {
	type member struct {
		name     string
		consumer queue.Consumer
	}
	var members []member
	slots := p.config.Instances * p.config.Workers
	for w := 0; w < p.config.Workers; w++ {
		partitions := queue.OwnedPartitions(p.bus.Partitions(), slots, p.config.Instance*p.config.Workers+w)
		if len(partitions) == 0 {
			continue
		}
		name := fmt.Sprintf("%s-%d", p.config.Name, w)

		c, err := p.bus.Consumer(ctx, p.config.Group, name, p.config.Topics, partitions)
		if err != nil {
			return fmt.Errorf("join %s as %s: %w", p.config.Group, name, err)
		}
		members = append(members, member{name: name, consumer: c})
	}
	if len(members) == 0 {
		return fmt.Errorf("%w: instance %d owns no partitions", queue.ErrInvalidConfiguration, p.config.Instance)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error {
			return p.loop(ctx, m.name, m.consumer)
		})
	}

	log.WithFields(log.Fields{
		"group":    p.config.Group,
		"topics":   p.config.Topics,
		"workers":  p.config.Workers,
		"instance": fmt.Sprintf("%d/%d", p.config.Instance, p.config.Instances),
	}).Info("Consumer pool started")

	err := g.Wait()
	log.WithField("group", p.config.Group).Info("Consumer pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, name string, c queue.Consumer) error {
	logger := log.WithFields(log.Fields{"group": p.config.Group, "consumer": name})
	backoff := rate.NewLimiter(rate.Every(p.config.ErrorBackoff), 1)

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.Fetch(ctx)
		switch {
		case errors.Is(err, queue.ErrQueueClosed):
			logger.Info("Bus closed, consumer stopping")
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			logger.WithError(err).Warn("Failed to fetch messages")
			if p.metrics != nil {
				p.metrics.RecordFetchError(p.config.Group)
			}
			if werr := backoff.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			// stop between messages; the rest stays pending for redelivery
			if ctx.Err() != nil {
				return nil
			}
			p.process(ctx, logger, c, msg)
		}
	}
}

// process runs the handler on a context detached from shutdown so an
// in-flight saga step completes, then acks.
func (p *Pool) process(ctx context.Context, logger *log.Entry, c queue.Consumer, msg *queue.Message) {
	hctx := context.WithoutCancel(ctx)

	if err := p.handler.Handle(hctx, msg); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"message_id": msg.ID,
			"topic":      msg.Topic,
			"partition":  msg.Partition,
		}).Warn("Message handling failed")
	}
	if err := c.Ack(hctx, msg); err != nil {
		logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to ack message")
	}
}
