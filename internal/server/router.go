package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledger-core/pkg/errno"
	"ledger-core/pkg/monitor"
)

// Check probes one dependency of the process.
type Check func(ctx context.Context) error

// Response defines the standard JSON structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// NewOpsRouter 初始化运维路由: /healthz, /metrics
func NewOpsRouter(checks map[string]Check) *gin.Engine {
	monitor.Init()

	r := gin.New()
	r.Use(gin.Recovery(), monitor.PrometheusMiddleware())

	r.GET("/healthz", healthz(checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func healthz(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, Response{
				Code:    errno.InternalServerError.Code,
				Message: "unhealthy",
				Data:    status,
			})
			return
		}
		c.JSON(http.StatusOK, Response{
			Code:    errno.OK.Code,
			Message: errno.OK.Message,
			Data:    status,
		})
	}
}
