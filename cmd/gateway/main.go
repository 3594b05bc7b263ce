package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"fulfillment/internal/app"
	"fulfillment/internal/config"
	"fulfillment/internal/database"
	"fulfillment/internal/handler"
	"fulfillment/internal/inventory"
	"fulfillment/internal/middleware"
	"fulfillment/internal/monitor"
	"fulfillment/internal/repository"
	"fulfillment/internal/schema"
	"fulfillment/internal/service/auth"
	"fulfillment/internal/service/goods"
	"fulfillment/internal/service/order"
	"fulfillment/internal/store"
	"fulfillment/internal/utils"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/degrade"
	"fulfillment/pkg/limiter"
	"fulfillment/pkg/log"
	"fulfillment/pkg/snowflake"
	resp "fulfillment/pkg/utils"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig(config.GetEnv("CONFIG_PATH", ""))
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if err := log.Init(cfg.Log); err != nil {
		log.WithError(err).Fatal("Failed to initialize logger")
	}
	if err := cfg.ValidateGateway(); err != nil {
		log.WithError(err).Fatal("Invalid gateway config")
	}

	config.WatchConfig(func(next *config.Config) {
		log.SetLevel(next.Log.Level)
	})

	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	resp.RegisterCustomValidators()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// redis
	client, err := store.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize redis")
	}
	defer client.Close()
	st := store.New(client)

	bus, err := app.NewBus(cfg.Bus, client)
	if err != nil {
		log.WithError(err).Fatal("Failed to create message bus")
	}
	defer bus.Close()

	tracer, err := monitor.NewTracer(cfg.Tracing)
	if err != nil {
		log.WithError(err).Fatal("Failed to create tracer")
	}

	var metrics *monitor.MetricsCollector
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetricsCollector(cfg.Metrics.Namespace)
		go metrics.StartSystemMetricsCollection(ctx)
	}

	// saga log, read for order history
	var (
		db      *gorm.DB
		history handler.HistoryReader
	)
	if cfg.Saga.Journal {
		db, err = database.Open(ctx, cfg.Database)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize database")
		}
		defer database.Close(db)
		history = repository.NewSagaLogRepository(db)
	}

	idGenerator, err := snowflake.NewIDGenerator(cfg.Gateway.NodeID)
	if err != nil {
		log.WithError(err).Fatal("Failed to create ID generator")
	}

	breakers := breaker.NewManager(breaker.Config{
		MaxRequests: cfg.Gateway.Breaker.MaxRequests,
		Interval:    cfg.Gateway.Breaker.Interval,
		Timeout:     cfg.Gateway.Breaker.Timeout,
		ReadyToTrip: breaker.ConsecutiveFailures(cfg.Gateway.Breaker.Failures),
		OnStateChange: func(name string, from, to breaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	goodsService, err := goods.NewService(inventory.NewEngine(st), goods.Config{
		CacheEnabled: cfg.Gateway.GoodsCache.Enabled,
		CacheTTL:     cfg.Gateway.GoodsCache.TTL,
		CacheShards:  cfg.Gateway.GoodsCache.Shards,
		Capacity:     cfg.Gateway.KnownGoods.Capacity,
		FPRate:       cfg.Gateway.KnownGoods.FPRate,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create goods service")
	}
	defer goodsService.Close()
	go goodsService.Run(ctx, cfg.Gateway.KnownGoods.Refresh)

	jwtManager := utils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, cfg.Security.JWT.Expire)

	deps := routerDeps{
		orders:       order.NewOrderService(st, bus, schema.MustCompile(), cfg.Topics, breakers, idGenerator, metrics),
		goods:        goodsService,
		auth:         auth.NewAuthService(st, jwtManager, cfg.Security.AdminLogins),
		history:      history,
		degrade:      degrade.NewSwitch(client),
		breakers:     breakers,
		ipLimiter:    limiter.NewMultiDimensionLimiter(),
		userLimiter:  limiter.NewMultiDimensionLimiter(),
		probe:        handler.NewProbeHandler(handler.PingFunc(st.Ping), bus, db, breakers, version),
		metrics:      metrics,
		tracer:       tracer,
		timeout:      cfg.Gateway.RequestTimeout,
		allowOrigins: cfg.Security.CORS.AllowOrigins,
	}
	if cfg.Gateway.RateLimit.Enabled {
		deps.ipLimiter.Set(middleware.DimensionIP,
			limiter.NewTokenBucketLimiter(rate.Limit(cfg.Gateway.RateLimit.RPS), cfg.Gateway.RateLimit.Burst))
		deps.userLimiter.Set(middleware.DimensionUser,
			limiter.NewSlidingWindowLimiter(client, "saga", cfg.Gateway.RateLimit.UserLimit, cfg.Gateway.RateLimit.UserWindow))
	}

	server := &http.Server{
		Addr:           cfg.Server.GetAddr(),
		Handler:        setupRouter(deps),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		log.WithFields(log.Fields{
			"addr": server.Addr,
			"mode": cfg.Server.Mode,
			"bus":  cfg.Bus.Driver,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()
	deps.probe.MarkStarted()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to flush traces")
	}

	log.Info("Server exited")
}
