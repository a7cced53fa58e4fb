package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DropOperations 团购操作计数，result 为 ok 或错误类别
	DropOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupbuy",
			Name:      "drop_operations_total",
			Help:      "Total number of drop operations by result",
		},
		[]string{"op", "result"},
	)

	// Payouts 记账产生的出款
	Payouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupbuy",
			Name:      "payouts_total",
			Help:      "Total number of payouts committed to the ledger",
		},
		[]string{"kind"},
	)

	// PayoutDispatch 出款上链结果
	PayoutDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupbuy",
			Name:      "payout_dispatch_total",
			Help:      "Total number of payout send attempts by status",
		},
		[]string{"status"},
	)

	// DepositEvents 处理的链上充值事件
	DepositEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupbuy",
			Name:      "deposit_events_total",
			Help:      "Total number of deposit events by outcome",
		},
		[]string{"outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "groupbuy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "path", "status"},
	)
)

// Middleware 返回记录请求耗时的Gin中间件
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
