package router

import (
	"net/http"

	"github.com/blues/groupbuy/internal/handler"
	"github.com/blues/groupbuy/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options 路由开关
type Options struct {
	// DirectFunding 是否开放 HTTP 出资接口
	// 接链后出资只能来自链上充值，否则调用方可以凭空记账再撤资
	DirectFunding bool
}

func Setup(dropHandler *handler.DropHandler, opts Options) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(metrics.Middleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "groupbuy-service",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API版本组
	v1 := r.Group("/api/v1")
	{
		drops := v1.Group("/drops")
		{
			drops.POST("", dropHandler.Initiate)
			drops.GET("/:id", dropHandler.GetDrop)
			if opts.DirectFunding {
				drops.POST("/:id/fund", dropHandler.Fund)
			}
			drops.POST("/:id/withdraw", dropHandler.Withdraw)
			drops.POST("/:id/cancel", dropHandler.Cancel)
			drops.POST("/:id/settle", dropHandler.Settle)
			drops.POST("/:id/expire", dropHandler.Expire)
			drops.GET("/:id/payouts", dropHandler.GetPayouts)
		}
	}

	return r
}

// CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, "+handler.CallerHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
