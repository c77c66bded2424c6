package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/metrics"
	"go.uber.org/zap"
)

// NewRouter wires middleware, the API handlers and /metrics. m may be nil.
func NewRouter(d Deps, m *metrics.Metrics, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, d)
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	return r
}
