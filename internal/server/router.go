package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wallet-ledger/internal/handler"
	"wallet-ledger/pkg/monitor"
)

// NewHTTPRouter 初始化并返回一个 Gin Engine
func NewHTTPRouter(wallet *handler.WalletHandler) *gin.Engine {
	monitor.Init()

	r := gin.Default()
	r.Use(monitor.PrometheusMiddleware())

	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		w := api.Group("/wallet/:user_id")
		w.GET("", wallet.GetWallet)
		w.POST("/refresh", wallet.Refresh)
		w.GET("/events", wallet.Events)

		api.GET("/tiers", wallet.Tiers)
		api.GET("/rates", wallet.Rates)
		api.GET("/rates/:material", wallet.Rate)
	}

	return r
}
