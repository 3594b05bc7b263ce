package main

import (
	"time"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/handler"
	"fulfillment/internal/middleware"
	"fulfillment/internal/monitor"
	"fulfillment/internal/service/auth"
	"fulfillment/internal/service/order"
	"fulfillment/internal/utils"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/degrade"
	"fulfillment/pkg/limiter"
)

type routerDeps struct {
	orders   order.OrderService
	goods    handler.GoodsService
	auth     auth.AuthService
	history  handler.HistoryReader
	degrade  *degrade.Switch
	breakers *breaker.Manager

	ipLimiter   *limiter.MultiDimensionLimiter
	userLimiter *limiter.MultiDimensionLimiter

	probe   *handler.ProbeHandler
	metrics *monitor.MetricsCollector
	tracer  *monitor.Tracer

	timeout      time.Duration
	allowOrigins []string
}

func setupRouter(d routerDeps) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Logger(d.metrics, d.tracer))
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS(d.allowOrigins))

	probes := router.Group("/probe")
	{
		probes.GET("/liveness", d.probe.Liveness)
		probes.GET("/readiness", d.probe.Readiness)
		probes.GET("/startup", d.probe.Startup)
	}
	if d.metrics != nil {
		router.GET("/metrics", gin.WrapH(d.metrics.Handler()))
	}

	authHandler := handler.NewAuthHandler(d.auth)
	orderHandler := handler.NewOrderHandler(d.orders, d.history)
	goodsHandler := handler.NewGoodsHandler(d.goods)
	adminHandler := handler.NewAdminHandler(d.degrade, d.breakers)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Timeout(d.timeout), middleware.RateLimit(d.ipLimiter))
	{
		v1.POST("/auth", authHandler.Login)

		authed := v1.Group("")
		authed.Use(middleware.Auth(d.auth))
		{
			authed.POST("/auth/logout", authHandler.Logout)

			goodsGroup := authed.Group("/goods")
			{
				goodsGroup.GET("", goodsHandler.ListGoods)
				goodsGroup.GET("/:good_id", goodsHandler.GetGood)
				goodsGroup.PUT("/:good_id", middleware.RequireRole(utils.RoleAdmin), goodsHandler.SetStock)
			}

			user := authed.Group("/user/:user_id")
			user.Use(middleware.RequireOwner("user_id"))
			{
				user.GET("/order", orderHandler.ListOrders)
				user.GET("/order/:order_id", orderHandler.GetOrder)
				user.GET("/order/:order_id/history", orderHandler.History)

				// every write starts a saga
				saga := user.Group("")
				saga.Use(middleware.RateLimit(d.userLimiter))
				{
					orders := saga.Group("", middleware.Degrade(d.degrade, handler.ScopeOrders))
					orders.POST("/order", orderHandler.CreateOrder)
					orders.PUT("/order/:order_id", orderHandler.UpdateOrder)
					orders.DELETE("/order/:order_id", orderHandler.DeleteOrder)
					orders.POST("/order/:order_id/good/:good_id", orderHandler.AddGood)
					orders.DELETE("/order/:order_id/good/:good_id", orderHandler.RemoveGood)

					saga.POST("/order/:order_id/billing", middleware.Degrade(d.degrade, handler.ScopeBilling), orderHandler.PayOrder)
				}
			}

			admin := authed.Group("/admin")
			admin.Use(middleware.RequireRole(utils.RoleAdmin))
			{
				admin.GET("/degrade", adminHandler.ListDegrade)
				admin.PUT("/degrade/:scope", adminHandler.EnableDegrade)
				admin.DELETE("/degrade/:scope", adminHandler.DisableDegrade)
				admin.GET("/breakers", adminHandler.Breakers)
			}
		}
	}

	return router
}
