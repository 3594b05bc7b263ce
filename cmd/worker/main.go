package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fulfillment/internal/app"
	"fulfillment/internal/config"
	"fulfillment/internal/database"
	"fulfillment/internal/monitor"
	"fulfillment/internal/repository"
	"fulfillment/internal/schema"
	"fulfillment/internal/store"
	"fulfillment/pkg/log"
)

func main() {
	cfg, err := config.LoadConfig(config.GetEnv("CONFIG_PATH", ""))
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if err := log.Init(cfg.Log); err != nil {
		log.WithError(err).Fatal("Failed to initialize logger")
	}
	if cfg.Participant.Role == "" {
		log.Fatalf("participant.role is required for a worker")
	}

	config.WatchConfig(func(next *config.Config) {
		log.SetLevel(next.Log.Level)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// redis
	client, err := store.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize redis")
	}
	defer client.Close()

	bus, err := app.NewBus(cfg.Bus, client)
	if err != nil {
		log.WithError(err).Fatal("Failed to create message bus")
	}
	defer bus.Close()

	tracer, err := monitor.NewTracer(cfg.Tracing)
	if err != nil {
		log.WithError(err).Fatal("Failed to create tracer")
	}

	deps := app.Deps{
		Store:   store.New(client),
		Bus:     bus,
		Schemas: schema.MustCompile(),
		Tracer:  tracer,
	}

	var metrics *monitor.MetricsCollector
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetricsCollector(cfg.Metrics.Namespace)
		deps.Metrics = metrics
	}

	// saga log
	if cfg.Saga.Journal {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize database")
		}
		defer database.Close(db)
		if err := database.AutoMigrate(db); err != nil {
			log.WithError(err).Fatal("Failed to migrate saga log")
		}
		deps.Journal = repository.NewSagaLogRepository(db)
	}

	worker, err := app.NewWorker(cfg, deps)
	if err != nil {
		log.WithError(err).Fatal("Failed to create participant")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	if repo, ok := deps.Journal.(repository.SagaLogRepository); ok {
		purger := app.NewPurger(client, repo, cfg.Saga.JournalRetention, cfg.Saga.PurgeInterval)
		g.Go(func() error {
			return purger.Run(gctx)
		})
	}
	if metrics != nil {
		go metrics.StartSystemMetricsCollection(gctx)
		g.Go(func() error {
			return app.ServeMetrics(gctx, cfg.Metrics, metrics)
		})
	}

	log.WithFields(log.Fields{
		"role":       cfg.Participant.Role,
		"workers":    cfg.Participant.Workers,
		"bus":        cfg.Bus.Driver,
		"partitions": cfg.Bus.Partitions,
	}).Info("Starting worker")

	runErr := g.Wait()
	if runErr != nil {
		log.WithError(runErr).Error("Worker stopped with error")
	}

	log.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}

	log.Info("Worker exited")
}
