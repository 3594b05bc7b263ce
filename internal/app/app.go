// Package app wires a saga participant process from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/config"
	"fulfillment/internal/consumer"
	"fulfillment/internal/inventory"
	"fulfillment/internal/monitor"
	"fulfillment/internal/saga"
	"fulfillment/internal/schema"
	"fulfillment/internal/service/billing"
	"fulfillment/internal/service/orders"
	"fulfillment/internal/service/warehouse"
	"fulfillment/internal/shadow"
	"fulfillment/internal/store"
	"fulfillment/pkg/log"
	"fulfillment/pkg/queue"
)

// Deps are the clients shared by a process. Metrics, Tracer and Journal
// are optional.
type Deps struct {
	Store   *store.Store
	Bus     queue.Bus
	Schemas *schema.Set
	Metrics *monitor.MetricsCollector
	Tracer  *monitor.Tracer
	Journal saga.Journal
}

// NewBus creates the configured bus driver.
func NewBus(cfg config.BusConfig, client redis.UniversalClient) (queue.Bus, error) {
	switch cfg.Driver {
	case config.BusMemory:
		return queue.NewMemoryQueue(&queue.MemoryQueueConfig{
			Partitions: cfg.Partitions,
			Block:      cfg.Block,
			BatchSize:  int(cfg.BatchSize),
		}), nil
	case config.BusRedis:
		return queue.NewRedisStreamQueue(client, queue.RedisStreamConfig{
			Prefix:     cfg.StreamPrefix,
			Partitions: cfg.Partitions,
			Block:      cfg.Block,
			BatchSize:  cfg.BatchSize,
			MaxLen:     cfg.MaxLen,
		})
	}
	return nil, fmt.Errorf("%w: bus driver %q", queue.ErrInvalidConfiguration, cfg.Driver)
}

// Worker is one participant: its router, consumer pool and, for orders,
// the shadow reaper.
type Worker struct {
	role   string
	router *saga.Router
	pool   *consumer.Pool
	reaper *orders.Reaper
}

// NewWorker builds the participant selected by cfg.Participant.Role.
func NewWorker(cfg *config.Config, deps Deps) (*Worker, error) {
	if deps.Store == nil || deps.Bus == nil || deps.Schemas == nil {
		return nil, errors.New("worker needs a store, a bus and schemas")
	}

	var (
		participant saga.Participant
		topics      []string
		reaper      *orders.Reaper
	)
	switch cfg.Participant.Role {
	case config.RoleOrders:
		shadows := shadow.NewManager(deps.Store, cfg.Saga.ShadowTTL)
		participant = orders.NewParticipant(deps.Store, shadows, cfg.Topics, cfg.Saga)
		topics = []string{cfg.Topics.Orders, cfg.Topics.Transactions}
		reaper = orders.NewReaper(shadows, deps.Bus, cfg.Topics, cfg.Saga, deps.Metrics)
	case config.RoleWarehouse:
		engine := inventory.NewEngine(deps.Store)
		participant = warehouse.NewParticipant(engine, cfg.Topics, cfg.Saga, deps.Metrics)
		topics = []string{cfg.Topics.Warehouse}
	case config.RoleBilling:
		participant = billing.NewParticipant(deps.Store, cfg.Topics)
		topics = []string{cfg.Topics.Billing}
	default:
		return nil, fmt.Errorf("unknown participant role: %q", cfg.Participant.Role)
	}

	opts := []saga.RouterOption{}
	if deps.Metrics != nil {
		opts = append(opts, saga.WithMetrics(deps.Metrics))
	}
	if deps.Tracer != nil {
		opts = append(opts, saga.WithTracer(deps.Tracer))
	}
	if deps.Journal != nil {
		opts = append(opts, saga.WithJournal(deps.Journal))
	}
	router := saga.NewRouter(participant, deps.Bus, deps.Schemas, opts...)

	pool, err := consumer.NewPool(deps.Bus, router, consumer.PoolConfig{
		Group:        cfg.ConsumerGroup(),
		Name:         consumerName(cfg),
		Topics:       topics,
		Workers:      cfg.Participant.Workers,
		Instances:    cfg.Participant.Instances,
		Instance:     cfg.Participant.Instance,
		ErrorBackoff: cfg.Bus.ErrorBackoff,
	}, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Worker{role: cfg.Participant.Role, router: router, pool: pool, reaper: reaper}, nil
}

func consumerName(cfg *config.Config) string {
	if cfg.Bus.Consumer != "" {
		return cfg.Bus.Consumer
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return cfg.Participant.Role
}

// Router returns the worker's message router.
func (w *Worker) Router() *saga.Router {
	return w.router
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.pool.Run(ctx)
	})
	if w.reaper != nil {
		g.Go(func() error {
			return w.reaper.Run(ctx)
		})
	}

	log.WithField("role", w.role).Info("Participant running")
	return g.Wait()
}

// ServeMetrics exposes the collector on its own port until ctx is done.
func ServeMetrics(ctx context.Context, cfg config.MetricsConfig, metrics *monitor.MetricsCollector) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.WithField("port", cfg.Port).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
